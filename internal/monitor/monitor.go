// Package monitor runs the dual-cadence background loop that recomputes
// open-trade P&L and Greeks, and evaluates exit triggers in precedence
// order (C10).
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/calendar"
	"github.com/volguard/controlplane/internal/marketdata"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

const (
	targetProfitPct    = 0.50
	stopLossPct        = 1.00
	exitDTE            = 1
	maxPortfolioDelta  = 50
	thetaVegaThreshold = 1.0
)

// Exiter is the orchestrator's exit primitive, invoked once per triggered
// trade per evaluation cycle.
type Exiter interface {
	ExitStrategy(ctx context.Context, trade *types.Trade, reason string) error
}

// Broadcaster pushes the 1Hz portfolio snapshot to connected API clients.
type Broadcaster interface {
	BroadcastPortfolio(snapshot types.PortfolioSnapshot, positions []*types.Trade)
}

// Monitor owns the periodic position-watching loop.
type Monitor struct {
	logger          *zap.Logger
	cache           *marketdata.Cache
	store           *storage.Store
	calendar        *calendar.Calendar
	exiter          Exiter
	broadcaster     Broadcaster
	broadcastCadence time.Duration
	exitCadence      time.Duration
	squareOffWindow  time.Duration
}

// New constructs a Position Monitor.
func New(logger *zap.Logger, cache *marketdata.Cache, store *storage.Store, cal *calendar.Calendar, exiter Exiter, broadcaster Broadcaster, broadcastCadence, exitCadence time.Duration) *Monitor {
	return &Monitor{
		logger: logger, cache: cache, store: store, calendar: cal, exiter: exiter, broadcaster: broadcaster,
		broadcastCadence: broadcastCadence, exitCadence: exitCadence,
		squareOffWindow: 15 * time.Minute,
	}
}

// Run blocks, driving both cadences until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	broadcastTicker := time.NewTicker(m.broadcastCadence)
	exitTicker := time.NewTicker(m.exitCadence)
	defer broadcastTicker.Stop()
	defer exitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position monitor stopping")
			return
		case <-broadcastTicker.C:
			m.broadcast()
		case <-exitTicker.C:
			m.evaluateExits(ctx)
		}
	}
}

func (m *Monitor) broadcast() {
	trades := m.store.OpenTrades()
	snapshot := types.PortfolioSnapshot{OpenTradeCount: len(trades)}
	for _, t := range trades {
		m.recomputeLive(t)
		snapshot.TotalPnL = snapshot.TotalPnL.Add(t.CurrentPnL)
		snapshot.NetDelta = snapshot.NetDelta.Add(t.NetDelta)
		snapshot.NetTheta = snapshot.NetTheta.Add(t.NetTheta)
		snapshot.NetGamma = snapshot.NetGamma.Add(t.NetGamma)
		snapshot.NetVega = snapshot.NetVega.Add(t.NetVega)
	}
	m.broadcaster.BroadcastPortfolio(snapshot, trades)
}

// recomputeLive refreshes a trade's current P&L and net Greeks from cached
// quotes. Sell legs negate sign per spec.md §4.10.
func (m *Monitor) recomputeLive(t *types.Trade) {
	pnl := decimal.Zero
	delta, theta, gamma, vega := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero

	for _, leg := range t.Legs {
		entry, ok := m.cache.Get(leg.InstrumentKey)
		if !ok {
			continue
		}
		sign := decimal.NewFromInt(1)
		if leg.Side == types.LegSideSell {
			sign = decimal.NewFromInt(-1)
		}
		qty := decimal.NewFromInt(leg.FilledQuantity)
		legPnL := leg.AvgFillPrice.Sub(entry.Quote.LTP).Mul(qty)
		if leg.Side == types.LegSideBuy {
			legPnL = entry.Quote.LTP.Sub(leg.AvgFillPrice).Mul(qty)
		}
		pnl = pnl.Add(legPnL)

		delta = delta.Add(entry.Quote.Delta.Mul(qty).Mul(sign))
		theta = theta.Add(entry.Quote.Theta.Mul(qty).Mul(sign))
		gamma = gamma.Add(entry.Quote.Gamma.Mul(qty).Mul(sign))
		vega = vega.Add(entry.Quote.Vega.Mul(qty).Mul(sign))
	}

	t.CurrentPnL = pnl
	t.NetDelta = delta
	t.NetTheta = theta
	t.NetGamma = gamma
	t.NetVega = vega
}

func (m *Monitor) evaluateExits(ctx context.Context) {
	for _, t := range m.store.OpenTrades() {
		m.recomputeLive(t)
		if reason, fire := m.firstTriggeredExit(t); fire {
			m.logger.Info("exit triggered", zap.String("trade_id", t.ID), zap.String("reason", reason))
			if err := m.exiter.ExitStrategy(ctx, t, reason); err != nil {
				m.logger.Error("exit failed", zap.String("trade_id", t.ID), zap.Error(err))
			}
		}
	}
}

// firstTriggeredExit evaluates triggers in precedence order and returns the
// first that fires; later triggers in the same cycle are suppressed.
func (m *Monitor) firstTriggeredExit(t *types.Trade) (string, bool) {
	if t.ManualExitFlag {
		return "manual exit requested", true
	}

	if t.EntryCredit.IsPositive() {
		profitTarget := t.EntryCredit.Mul(decimal.NewFromFloat(targetProfitPct))
		if t.CurrentPnL.GreaterThanOrEqual(profitTarget) {
			return "profit target reached", true
		}
		stopLoss := t.EntryCredit.Mul(decimal.NewFromFloat(stopLossPct))
		if t.CurrentPnL.Negated().GreaterThanOrEqual(stopLoss) {
			return "stop loss hit", true
		}
	}

	dte := daysToExpiry(t.ExpiryDate)
	if dte <= exitDTE && pastSquareOff(t.ExpiryDate, m.squareOffWindow) {
		return "DTE square-off window reached", true
	}

	if t.NetDelta.Abs().GreaterThan(decimal.NewFromInt(maxPortfolioDelta)) {
		return "portfolio delta limit breached", true
	}

	if dte <= 2 && !t.NetVega.IsZero() {
		ratio := t.NetTheta.Div(t.NetVega).Mul(decimal.NewFromInt(1000)).Abs()
		if ratio.LessThan(decimal.NewFromFloat(thetaVegaThreshold)) {
			return "theta/vega ratio unfavorable near expiry", true
		}
	}

	if veto, _ := m.calendar.ShouldVetoEntry(time.Now()); veto {
		return "veto event within window", true
	}

	return "", false
}

func daysToExpiry(expiry time.Time) int {
	d := time.Until(expiry)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

func pastSquareOff(expiry time.Time, window time.Duration) bool {
	return time.Now().After(expiry.Add(-window))
}
