// Package orchestrator is the transactional heart of the control plane
// (C9): it executes a multi-leg strategy hedges-first, cores-second, with
// atomic flatten-on-failure, and exits an open trade through the same
// leg-execution primitive.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/broker"
	"github.com/volguard/controlplane/internal/events"
	"github.com/volguard/controlplane/internal/marketdata"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/internal/workers"
	"github.com/volguard/controlplane/pkg/types"
	"github.com/volguard/controlplane/pkg/utils"
	"go.uber.org/zap"
)

// BrokerView is the subset of the Broker Gateway the orchestrator needs.
type BrokerView interface {
	PlaceOrder(ctx context.Context, leg types.OptionLeg, limitPrice decimal.Decimal, clientOrderID string) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatusReport, error)
	CancelOrder(ctx context.Context, orderID string) error
	RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error)
	AvailableFunds(ctx context.Context) (decimal.Decimal, error)
}

// Notifier sends best-effort operator alerts.
type Notifier interface {
	Notify(severity, message string)
}

const (
	orderPollInterval   = 200 * time.Millisecond
	maxLossPerTradeKey  = "max_loss_per_trade"
	slippageAlertPct    = 0.02
	brokerageRejectFrac = 0.95
	brokeragePerOrder   = 20 // flat per-order brokerage, in rupees
)

// Config bundles the runtime limits the orchestrator enforces.
type Config struct {
	OrderTimeout      time.Duration
	MaxLossPerTrade   decimal.Decimal
	MaxCapitalPerTrade decimal.Decimal
}

// Orchestrator executes and exits multi-leg trades.
type Orchestrator struct {
	logger   *zap.Logger
	broker   BrokerView
	cache    *marketdata.Cache
	store    *storage.Store
	breaker  *breaker.Breaker
	notifier Notifier
	bus      *events.Bus
	cfg      Config
}

// New constructs an Orchestrator. bus may be nil, in which case trade
// lifecycle events are not published.
func New(logger *zap.Logger, broker BrokerView, cache *marketdata.Cache, store *storage.Store, brk *breaker.Breaker, notifier Notifier, bus *events.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{logger: logger, broker: broker, cache: cache, store: store, breaker: brk, notifier: notifier, bus: bus, cfg: cfg}
}

func (o *Orchestrator) publish(tradeID, strategy, status string, realizedPnL decimal.Decimal) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.NewTradeEvent(tradeID, strategy, status, realizedPnL))
}

// ExecuteStrategy runs the full hedges-then-cores atomic execution. Returns
// nil, nil when preflight or phase execution determines the strategy cannot
// be safely placed (nothing outstanding; caller should treat as no-op).
func (o *Orchestrator) ExecuteStrategy(ctx context.Context, mandate types.TradingMandate, legs []types.OptionLeg) (*types.Trade, error) {
	if err := o.preflight(ctx, legs); err != nil {
		o.logger.Warn("preflight rejected strategy", zap.Error(err))
		return nil, nil
	}

	var hedges, cores []types.OptionLeg
	for _, l := range legs {
		if l.Role == types.LegRoleHedge {
			hedges = append(hedges, l)
		} else {
			cores = append(cores, l)
		}
	}

	filledHedges, err := o.runPhase(ctx, hedges, types.LegRoleHedge)
	if err != nil {
		o.flatten(ctx, filledHedges)
		return nil, nil
	}

	filledCores, err := o.runPhase(ctx, cores, types.LegRoleCore)
	if err != nil {
		o.flatten(ctx, append(filledHedges, filledCores...))
		return nil, nil
	}

	allLegs := append(filledHedges, filledCores...)
	trade := o.buildTrade(mandate, allLegs)
	if err := o.store.SaveTrade(trade); err != nil {
		return nil, types.NewFatalError("orchestrator: failed to persist opened trade", err)
	}
	if err := o.store.RecordTradeOpened(trade); err != nil {
		o.logger.Error("failed to update daily trade counter", zap.Error(err))
	}
	o.notifier.Notify("INFO", fmt.Sprintf("trade %s opened: %s", trade.ID, trade.Strategy))
	o.publish(trade.ID, string(trade.Strategy), string(trade.Status), decimal.Zero)
	return trade, nil
}

// preflight runs the coarse checks that must pass before anything is
// placed: lot-size validation, brokerage-vs-premium, and required margin
// against available funds. Total quantity and the max-loss bound are not
// checked here.
func (o *Orchestrator) preflight(ctx context.Context, legs []types.OptionLeg) error {
	if len(legs) == 0 {
		return fmt.Errorf("orchestrator: no legs to execute")
	}

	projectedPremium := decimal.Zero
	for _, l := range legs {
		if l.LotSize <= 0 || l.Quantity%l.LotSize != 0 {
			return fmt.Errorf("orchestrator: leg quantity %d is not a multiple of lot size %d", l.Quantity, l.LotSize)
		}
		if l.Side == types.LegSideSell {
			projectedPremium = projectedPremium.Add(l.ReferencePrice.Mul(decimal.NewFromInt(l.Quantity)))
		} else {
			projectedPremium = projectedPremium.Sub(l.ReferencePrice.Mul(decimal.NewFromInt(l.Quantity)))
		}
	}

	totalBrokerage := decimal.NewFromInt(int64(len(legs) * brokeragePerOrder * 2)) // entry + exit
	if projectedPremium.IsPositive() && totalBrokerage.GreaterThan(projectedPremium.Mul(decimal.NewFromFloat(brokerageRejectFrac))) {
		return fmt.Errorf("orchestrator: brokerage %s exceeds 95%% of projected premium %s", totalBrokerage, projectedPremium)
	}

	requiredMargin, err := o.broker.RequiredMargin(ctx, legs)
	if err != nil {
		return fmt.Errorf("orchestrator: margin check failed: %w", err)
	}
	availableFunds, err := o.broker.AvailableFunds(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: funds check failed: %w", err)
	}
	if requiredMargin.GreaterThan(availableFunds) {
		return fmt.Errorf("orchestrator: required margin %s exceeds available funds %s", requiredMargin, availableFunds)
	}

	return nil
}

// runPhase places every leg in the phase concurrently with one worker per
// leg, and succeeds only if every leg meets its role's fill threshold.
func (o *Orchestrator) runPhase(ctx context.Context, legs []types.OptionLeg, role types.LegRole) ([]types.OptionLeg, error) {
	if len(legs) == 0 {
		return nil, nil
	}

	phaseTimeout := time.Duration(float64(o.cfg.OrderTimeout) * 1.5)
	phaseCtx, cancel := context.WithTimeout(ctx, phaseTimeout)
	defer cancel()

	pool := workers.NewPool(o.logger, workers.LegPoolConfig("orchestrator-"+string(role), len(legs), o.cfg.OrderTimeout))
	pool.Start()
	defer func() {
		stats := pool.Stats()
		o.logger.Debug("phase pool stats",
			zap.String("role", string(role)),
			zap.Int64("completed", stats.TasksCompleted),
			zap.Int64("failed", stats.TasksFailed),
			zap.Int64("timeout", stats.TasksTimeout),
			zap.Duration("p99_latency", stats.P99Latency),
		)
		pool.Stop()
	}()

	results := make([]types.OptionLeg, len(legs))
	errs := make([]error, len(legs))
	done := make(chan struct{}, len(legs))

	for i, leg := range legs {
		i, leg := i, leg
		_ = pool.SubmitFunc(func() error {
			filled, err := o.placeLeg(phaseCtx, leg)
			results[i] = filled
			errs[i] = err
			done <- struct{}{}
			return err
		})
	}

	for range legs {
		select {
		case <-done:
		case <-phaseCtx.Done():
			return partialResults(results, errs), fmt.Errorf("orchestrator: phase %s timed out", role)
		}
	}

	var failed bool
	for _, err := range errs {
		if err != nil {
			failed = true
		}
	}
	if failed {
		return partialResults(results, errs), fmt.Errorf("orchestrator: phase %s had a failed leg", role)
	}
	return results, nil
}

func partialResults(results []types.OptionLeg, errs []error) []types.OptionLeg {
	var out []types.OptionLeg
	for i, e := range errs {
		if e == nil && results[i].FilledQuantity > 0 {
			out = append(out, results[i])
		}
	}
	return out
}

// placeLeg places one leg at its role-specific limit price, polls status
// until filled or ORDER_TIMEOUT elapses, and evaluates the fill threshold.
func (o *Orchestrator) placeLeg(ctx context.Context, leg types.OptionLeg) (types.OptionLeg, error) {
	quote, err := o.cache.GetFresh(leg.InstrumentKey)
	if err != nil {
		return leg, fmt.Errorf("orchestrator: no fresh quote for %s: %w", leg.InstrumentKey, err)
	}
	leg.ReferencePrice = quote.LTP

	limitPrice := limitPriceFor(leg, quote.LTP)
	clientOrderID := utils.GenerateOrderID()

	orderID, err := o.broker.PlaceOrder(ctx, leg, limitPrice, clientOrderID)
	if err != nil {
		return leg, fmt.Errorf("orchestrator: place order failed: %w", err)
	}
	leg.OrderID = orderID

	deadline := time.Now().Add(o.cfg.OrderTimeout)
	var last broker.OrderStatusReport
	for time.Now().Before(deadline) {
		status, err := o.broker.GetOrderStatus(ctx, orderID)
		if err == nil {
			last = status
			if status.Status == broker.OrderStatusComplete || status.Status == broker.OrderStatusRejected || status.Status == broker.OrderStatusCancelled {
				break
			}
		}
		select {
		case <-time.After(orderPollInterval):
		case <-ctx.Done():
			return leg, ctx.Err()
		}
	}

	if last.Status != broker.OrderStatusComplete {
		_ = o.broker.CancelOrder(ctx, orderID)
		// Post-cancel status check: the order may have completed in the race
		// between the last poll and the cancel request.
		if recheck, err := o.broker.GetOrderStatus(ctx, orderID); err == nil && recheck.Status == broker.OrderStatusComplete {
			last = recheck
		} else {
			return leg, fmt.Errorf("orchestrator: leg %s did not complete (status=%s)", leg.InstrumentKey, last.Status)
		}
	}

	leg.FilledQuantity = last.FilledQty
	leg.AvgFillPrice = last.AvgPrice
	now := time.Now()
	leg.FillTime = &now
	if !leg.ReferencePrice.IsZero() {
		leg.SlippagePct = leg.AvgFillPrice.Sub(leg.ReferencePrice).Abs().Div(leg.ReferencePrice)
	}

	if !leg.MeetsFillThreshold() {
		_ = o.broker.CancelOrder(ctx, orderID)
		return leg, types.NewPartialFillError(fmt.Sprintf("leg %s filled %s of requested", leg.InstrumentKey, leg.FillRatio()))
	}

	if leg.SlippagePct.GreaterThan(decimal.NewFromFloat(slippageAlertPct)) {
		_ = o.breaker.RecordSlippageEvent()
	}

	return leg, nil
}

func limitPriceFor(leg types.OptionLeg, ltp decimal.Decimal) decimal.Decimal {
	switch {
	case leg.Role == types.LegRoleHedge:
		return ltp.Mul(decimal.NewFromFloat(0.998))
	case leg.Side == types.LegSideBuy:
		return ltp.Mul(decimal.NewFromFloat(1.002))
	default:
		return ltp.Mul(decimal.NewFromFloat(0.998))
	}
}

// flatten reverses every already-filled leg: up to 2 limit-order attempts
// priced at the current LTP (no market orders are placed), then up to 3 aggressive-limit attempts at +/-10% of reference LTP, then a
// critical manual-intervention alert if still unfilled. It never blocks on
// an unfillable leg.
func (o *Orchestrator) flatten(ctx context.Context, legs []types.OptionLeg) {
	for _, leg := range legs {
		if leg.FilledQuantity == 0 {
			continue
		}
		if o.flattenLeg(ctx, leg) {
			continue
		}
		o.notifier.Notify("CRITICAL", fmt.Sprintf("manual intervention required: leg %s could not be flattened", leg.InstrumentKey))
		_ = o.store.AppendRiskEvent(types.RiskEvent{
			Timestamp:   time.Now(),
			EventType:   "flatten_failure",
			Severity:    "CRITICAL",
			Description: fmt.Sprintf("leg %s (qty %d) could not be flattened after retries", leg.InstrumentKey, leg.FilledQuantity),
		})
	}
}

func (o *Orchestrator) flattenLeg(ctx context.Context, leg types.OptionLeg) bool {
	reversing := leg
	reversing.Side = oppositeSide(leg.Side)
	reversing.Quantity = leg.FilledQuantity

	for attempt := 0; attempt < 2; attempt++ {
		quote, err := o.cache.GetFresh(leg.InstrumentKey)
		if err != nil {
			continue
		}
		if o.attemptFlatten(ctx, reversing, quote.LTP) {
			return true
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		quote, err := o.cache.GetFresh(leg.InstrumentKey)
		if err != nil {
			continue
		}
		aggressive := quote.LTP.Mul(decimal.NewFromFloat(1.10))
		if reversing.Side == types.LegSideSell {
			aggressive = quote.LTP.Mul(decimal.NewFromFloat(0.90))
		}
		if o.attemptFlatten(ctx, reversing, aggressive) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) attemptFlatten(ctx context.Context, reversing types.OptionLeg, price decimal.Decimal) bool {
	orderID, err := o.broker.PlaceOrder(ctx, reversing, price, utils.GenerateOrderID())
	if err != nil {
		return false
	}
	deadline := time.Now().Add(orderPollInterval * 10)
	for time.Now().Before(deadline) {
		status, err := o.broker.GetOrderStatus(ctx, orderID)
		if err == nil && status.Status == broker.OrderStatusComplete && status.FilledQty >= reversing.Quantity {
			return true
		}
		time.Sleep(orderPollInterval)
	}
	_ = o.broker.CancelOrder(ctx, orderID)
	return false
}

func oppositeSide(side types.LegSide) types.LegSide {
	if side == types.LegSideBuy {
		return types.LegSideSell
	}
	return types.LegSideBuy
}

func (o *Orchestrator) buildTrade(mandate types.TradingMandate, legs []types.OptionLeg) *types.Trade {
	netCredit := decimal.Zero
	for _, l := range legs {
		amount := l.AvgFillPrice.Mul(decimal.NewFromInt(l.FilledQuantity))
		if l.Side == types.LegSideSell {
			netCredit = netCredit.Add(amount)
		} else {
			netCredit = netCredit.Sub(amount)
		}
	}

	return &types.Trade{
		ID:               utils.GenerateTradeID(),
		Strategy:         mandate.Structure,
		ExpiryKind:       mandate.ExpiryKind,
		ExpiryDate:       legs[0].Expiry,
		Status:           types.TradeStatusOpen,
		EntryTime:        time.Now(),
		Legs:             legs,
		EntryCredit:      netCredit,
		MaxLoss:          o.cfg.MaxLossPerTrade,
		DeploymentAmount: mandate.DeploymentAmount,
	}
}

// ExitStrategy closes an open trade: it fetches live LTPs, builds reversing
// legs, executes them through the same leg-execution primitive, and
// computes realized P&L.
func (o *Orchestrator) ExitStrategy(ctx context.Context, trade *types.Trade, reason string) error {
	if trade.Status == types.TradeStatusClosed {
		return fmt.Errorf("orchestrator: trade %s is already closed", trade.ID)
	}

	trade.Status = types.TradeStatusClosing
	if err := o.store.SaveTrade(trade); err != nil {
		return types.NewFatalError("orchestrator: failed to persist closing state", err)
	}

	realized := decimal.Zero
	for i, leg := range trade.Legs {
		reversing := leg
		reversing.Side = oppositeSide(leg.Side)
		reversing.Quantity = leg.FilledQuantity
		reversing.Role = leg.Role

		filled, err := o.placeLeg(ctx, reversing)
		exitPrice := leg.AvgFillPrice
		if err == nil {
			exitPrice = filled.AvgFillPrice
		} else {
			o.flattenLeg(ctx, reversing)
		}

		lotAmount := decimal.NewFromInt(leg.FilledQuantity)
		if leg.Side == types.LegSideSell {
			realized = realized.Add(leg.AvgFillPrice.Sub(exitPrice).Mul(lotAmount))
		} else {
			realized = realized.Add(exitPrice.Sub(leg.AvgFillPrice).Mul(lotAmount))
		}
		trade.Legs[i] = leg
	}

	now := time.Now()
	trade.ExitTime = &now
	trade.ExitReason = reason
	trade.RealizedPnL = realized
	trade.Status = types.TradeStatusClosed

	if err := o.store.SaveTrade(trade); err != nil {
		return types.NewFatalError("orchestrator: failed to persist closed trade", err)
	}
	if err := o.store.RecordTradeClosed(trade); err != nil {
		o.logger.Error("failed to update daily P&L aggregates", zap.Error(err))
	}
	_ = o.breaker.RecordTradeOutcome(realized)
	o.notifier.Notify("INFO", fmt.Sprintf("trade %s closed (%s): realized pnl %s", trade.ID, reason, realized))
	o.publish(trade.ID, string(trade.Strategy), string(trade.Status), realized)
	return nil
}
