// Package controller owns the top-level analysis cycle (C11): fetch
// calendar, compute metrics, score, produce a mandate, build legs, validate,
// execute, persist. A single cycle is non-overlapping.
package controller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/analytics"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/calendar"
	"github.com/volguard/controlplane/internal/config"
	"github.com/volguard/controlplane/internal/marketdata"
	"github.com/volguard/controlplane/internal/orchestrator"
	"github.com/volguard/controlplane/internal/regime"
	"github.com/volguard/controlplane/internal/risk"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/internal/strategybuilder"
	"github.com/volguard/controlplane/pkg/types"
	"github.com/volguard/controlplane/pkg/utils"
	"go.uber.org/zap"
)

const consecutiveFailureTripLimit = 3

// MarketData is the broker surface the controller needs beyond the cache.
type MarketData interface {
	GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error)
	GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error)
	GetHistoricalCandles(ctx context.Context, key types.InstrumentKey, interval string, days int) ([]types.Candle, error)
}

// ExpiryResolver supplies the three tracked expiry dates for the current
// trading day.
type ExpiryResolver interface {
	Resolve(now time.Time) map[types.ExpiryKind]time.Time
}

// Controller runs non-overlapping analysis cycles on a fixed cadence.
type Controller struct {
	logger   *zap.Logger
	cfg      *config.Config
	cal      *calendar.Calendar
	cache    *marketdata.Cache
	market   MarketData
	riskMgr  *risk.Manager
	orch     *orchestrator.Orchestrator
	store    *storage.Store
	brk      *breaker.Breaker
	expiries ExpiryResolver
	niftyKey types.InstrumentKey
	vixKey   types.InstrumentKey

	running             atomic.Bool
	consecutiveFailures atomic.Int32
}

// New constructs a Trading Controller.
func New(logger *zap.Logger, cfg *config.Config, cal *calendar.Calendar, cache *marketdata.Cache, market MarketData,
	riskMgr *risk.Manager, orch *orchestrator.Orchestrator, store *storage.Store, brk *breaker.Breaker,
	expiries ExpiryResolver, niftyKey, vixKey types.InstrumentKey) *Controller {
	return &Controller{
		logger: logger, cfg: cfg, cal: cal, cache: cache, market: market,
		riskMgr: riskMgr, orch: orch, store: store, brk: brk,
		expiries: expiries, niftyKey: niftyKey, vixKey: vixKey,
	}
}

// Run drives the controller loop until ctx is cancelled, honoring a
// shutdown signal by finishing the in-flight cycle and then stopping.
func (c *Controller) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.AnalysisIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("trading controller stopping")
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle executes one analysis cycle, skipping if a prior cycle is still
// in flight.
func (c *Controller) RunCycle(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("skipping cycle: previous cycle still running")
		return
	}
	defer c.running.Store(false)

	if err := c.cal.Refresh(ctx); err != nil {
		c.logger.Warn("calendar refresh failed", zap.Error(err))
	}

	snapshot, err := c.runOnce(ctx)
	if err != nil {
		c.logger.Error("analysis cycle failed", zap.Error(err))
		if c.consecutiveFailures.Add(1) >= consecutiveFailureTripLimit {
			_ = c.brk.TripManual("ANALYSIS_FAILURE")
		}
		return
	}
	c.consecutiveFailures.Store(0)

	if err := c.store.AppendAnalysis(snapshot); err != nil {
		c.logger.Error("failed to persist analysis snapshot", zap.Error(err))
	}
}

func (c *Controller) runOnce(ctx context.Context) (types.AnalysisSnapshot, error) {
	spot, err := c.market.GetLTP(ctx, c.niftyKey)
	if err != nil {
		return types.AnalysisSnapshot{}, err
	}
	niftyHistory, err := c.market.GetHistoricalCandles(ctx, c.niftyKey, "day", analytics.MinHistoryDays+10)
	if err != nil {
		return types.AnalysisSnapshot{}, err
	}
	vixHistory, err := c.market.GetHistoricalCandles(ctx, c.vixKey, "day", analytics.MinHistoryDays+10)
	if err != nil {
		return types.AnalysisSnapshot{}, err
	}
	liveVIX, err := c.market.GetLTP(ctx, c.vixKey)
	if err != nil {
		liveVIX = decimal.Zero
	}

	vol, err := analytics.ComputeVol(niftyHistory, vixHistory, spot, liveVIX)
	if err != nil {
		return types.AnalysisSnapshot{}, err
	}

	expiries := c.expiries.Resolve(time.Now())
	vetoEvents := c.cal.VetoEventsWithin(time.Now())
	highImpact := countImpact(c.cal.Events(), "HighImpact")

	// EdgeMetrics depends only on vol and the three DTEs, not on any single
	// expiry's chain, so it is computed once per cycle, not per loop iteration.
	edgeMetrics := analytics.ComputeEdge(vol, dteOf(expiries, types.ExpiryWeekly), dteOf(expiries, types.ExpiryMonthly), dteOf(expiries, types.ExpiryNextWeekly))

	mandates := make(map[types.ExpiryKind]types.TradingMandate)
	var structMetrics types.StructMetrics
	var regimeName string

	for kind, expiry := range expiries {
		chain, err := c.market.GetOptionChain(ctx, expiry)
		if err != nil {
			c.logger.Warn("option chain fetch failed", zap.String("expiry_kind", string(kind)), zap.Error(err))
			continue
		}
		lotSize := int64(0)
		if len(chain) > 0 {
			lotSize = chain[0].LotSize
		}
		kindStruct := analytics.ComputeStruct(chain, spot, lotSize)
		dte := int(time.Until(expiry).Hours() / 24)

		inputs := regime.Inputs{
			Vol: vol, Struct: kindStruct, Edge: edgeMetrics, DTE: dte,
			HighImpactEventCount: highImpact, VetoEventCount: len(vetoEvents),
		}
		mandate := regime.BuildMandate(kind, inputs, spot, c.cfg.BaseCapital, c.cfg.MaxCapitalPerTrade)

		if !mandate.IsVetoed() {
			legs := strategybuilder.Build(mandate, strategybuilder.Chain{Expiry: expiry, Rows: chain}, spot, vol.IVP252, c.cfg.MaxLossPerTrade)
			if len(legs) == 0 {
				mandate.Warnings = append(mandate.Warnings, "strategy builder could not construct legs meeting liquidity/risk bounds")
			} else {
				violations := c.riskMgr.Validate(ctx, legs, mandate.DeploymentAmount, c.currentPortfolio())
				if len(violations) > 0 {
					for _, v := range violations {
						mandate.VetoReasons = append(mandate.VetoReasons, v.Check+": "+v.Message)
					}
				} else {
					trade, err := c.orch.ExecuteStrategy(ctx, mandate, legs)
					if err != nil {
						c.logger.Error("execution failed", zap.Error(err))
					} else if trade != nil {
						mandate.Rationale = append(mandate.Rationale, "executed as trade "+trade.ID)
					}
				}
			}
		}

		mandates[kind] = mandate

		// StructMetrics/regime name are snapshot-level (single analysis_history
		// row), so the weekly expiry's figures are the ones persisted; weekly is
		// the primary traded instrument for this controller.
		if kind == types.ExpiryWeekly {
			structMetrics = kindStruct
			regimeName = mandate.RegimeName
		}
	}

	return types.AnalysisSnapshot{
		ID:            utils.GenerateID("analysis"),
		Timestamp:     time.Now(),
		Mandates:      mandates,
		VolMetrics:    vol,
		StructMetrics: structMetrics,
		EdgeMetrics:   edgeMetrics,
		VetoEvents:    vetoEvents,
		RegimeName:    regimeName,
	}, nil
}

func dteOf(expiries map[types.ExpiryKind]time.Time, kind types.ExpiryKind) int {
	t, ok := expiries[kind]
	if !ok {
		return 0
	}
	d := int(time.Until(t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

func countImpact(events []types.CalendarEvent, impact string) int {
	n := 0
	for _, e := range events {
		if e.Impact == impact {
			n++
		}
	}
	return n
}

func (c *Controller) currentPortfolio() risk.Portfolio {
	trades := c.store.OpenTrades()
	var deployed decimal.Decimal
	var contracts int64
	for _, t := range trades {
		deployed = deployed.Add(t.DeploymentAmount)
		contracts += t.NetShortContracts()
	}
	today := time.Now().Format("2006-01-02")
	tradesToday := 0
	if dm, ok := c.store.DailyMetrics(today); ok {
		tradesToday = dm.TradesCount
	}
	return risk.Portfolio{
		DeployedCapital: deployed,
		TotalContracts:  contracts,
		TradesToday:     tradesToday,
		PeakCapital:     c.brk.State().PeakCapital,
		CurrentCapital:  c.cfg.BaseCapital.Add(deployed),
		MarketOpen:      isMarketOpen(time.Now()),
		SpotStale:       false,
	}
}

func isMarketOpen(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	hour, min, _ := now.Clock()
	mins := hour*60 + min
	return mins >= 9*60+15 && mins <= 15*60+30
}
