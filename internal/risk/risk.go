// Package risk gates every entry with an ordered checklist (C7). All checks
// run regardless of earlier failures so a caller sees the complete set of
// violations in one pass.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/calendar"
	"github.com/volguard/controlplane/internal/config"
	"github.com/volguard/controlplane/pkg/types"
)

// BrokerView is the subset of the Broker Gateway the Risk Manager needs.
type BrokerView interface {
	RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error)
	AvailableFunds(ctx context.Context) (decimal.Decimal, error)
}

// Portfolio summarizes current deployment state the Risk Manager checks
// against; the Trading Controller assembles this from persisted trades.
type Portfolio struct {
	DeployedCapital  decimal.Decimal
	TotalContracts   int64
	TradesToday      int
	PeakCapital      decimal.Decimal
	CurrentCapital   decimal.Decimal
	MarketOpen       bool
	SpotStale        bool
}

// Manager runs the ordered pre-trade checklist.
type Manager struct {
	cfg      *config.Config
	breaker  *breaker.Breaker
	calendar *calendar.Calendar
	broker   BrokerView
}

// New constructs a Risk Manager.
func New(cfg *config.Config, b *breaker.Breaker, cal *calendar.Calendar, broker BrokerView) *Manager {
	return &Manager{cfg: cfg, breaker: b, calendar: cal, broker: broker}
}

// Validate runs every check in spec order, returning the complete violation
// list. A non-empty list means the caller must not proceed to execution.
func (m *Manager) Validate(ctx context.Context, legs []types.OptionLeg, deployment decimal.Decimal, portfolio Portfolio) []types.RiskViolation {
	var violations []types.RiskViolation

	// 1. Circuit breaker not active.
	if m.breaker.Active() {
		violations = append(violations, types.RiskViolation{Check: "circuit_breaker", Message: "circuit breaker is tripped"})
	}

	// 2. Capital allocation: existing-deployed + new <= base_capital * 0.80.
	capLimit := m.cfg.BaseCapital.Mul(decimal.NewFromFloat(0.80))
	if portfolio.DeployedCapital.Add(deployment).GreaterThan(capLimit) {
		violations = append(violations, types.RiskViolation{
			Check:   "capital_allocation",
			Message: fmt.Sprintf("deployed+new %s exceeds 80%% of base capital %s", portfolio.DeployedCapital.Add(deployment), capLimit),
		})
	}

	// 3. Margin: required margin <= 0.90 * available funds.
	requiredMargin, marginErr := m.broker.RequiredMargin(ctx, legs)
	availableFunds, fundsErr := m.broker.AvailableFunds(ctx)
	if marginErr != nil || fundsErr != nil {
		violations = append(violations, types.RiskViolation{Check: "margin", Message: "unable to verify margin/funds from broker"})
	} else if requiredMargin.GreaterThan(availableFunds.Mul(decimal.NewFromFloat(0.90))) {
		violations = append(violations, types.RiskViolation{
			Check:   "margin",
			Message: fmt.Sprintf("required margin %s exceeds 90%% of available funds %s", requiredMargin, availableFunds),
		})
	}

	// 4. Concentration: total contracts <= MAX_CONTRACTS_PER_INSTRUMENT.
	var newContracts int64
	for _, l := range legs {
		newContracts += l.Quantity
	}
	if portfolio.TotalContracts+newContracts > m.cfg.MaxContractsPerInstrument {
		violations = append(violations, types.RiskViolation{
			Check:   "concentration",
			Message: fmt.Sprintf("total contracts %d exceeds limit %d", portfolio.TotalContracts+newContracts, m.cfg.MaxContractsPerInstrument),
		})
	}

	// 5. Daily trade count < MAX_TRADES_PER_DAY.
	if portfolio.TradesToday >= m.cfg.MaxTradesPerDay {
		violations = append(violations, types.RiskViolation{
			Check:   "daily_trade_count",
			Message: fmt.Sprintf("daily trade count %d has reached limit %d", portfolio.TradesToday, m.cfg.MaxTradesPerDay),
		})
	}

	// 6. Drawdown: (peak-current)/peak <= MAX_DRAWDOWN_PCT; breaching also
	// trips the circuit breaker.
	if portfolio.PeakCapital.IsPositive() {
		drawdown := portfolio.PeakCapital.Sub(portfolio.CurrentCapital).Div(portfolio.PeakCapital)
		if drawdown.GreaterThan(m.cfg.MaxDrawdownPct) {
			violations = append(violations, types.RiskViolation{
				Check:   "drawdown",
				Message: fmt.Sprintf("drawdown %s exceeds limit %s", drawdown, m.cfg.MaxDrawdownPct),
			})
			m.breaker.TripOnDrawdown(drawdown)
		}
	}

	// 7. Market is open; spot price is non-stale.
	if !portfolio.MarketOpen {
		violations = append(violations, types.RiskViolation{Check: "market_hours", Message: "market is not open"})
	}
	if portfolio.SpotStale {
		violations = append(violations, types.RiskViolation{Check: "stale_quote", Message: "spot price quote is stale"})
	}

	// 8. Veto events: no veto event within 48h.
	if veto, events := m.calendar.ShouldVetoEntry(time.Now()); veto {
		violations = append(violations, types.RiskViolation{
			Check:   "veto_event",
			Message: fmt.Sprintf("%d veto event(s) within 48h lookahead", len(events)),
		})
	}

	// 9. deployment <= MAX_CAPITAL_PER_TRADE.
	if deployment.GreaterThan(m.cfg.MaxCapitalPerTrade) {
		violations = append(violations, types.RiskViolation{
			Check:   "per_trade_cap",
			Message: fmt.Sprintf("deployment %s exceeds MAX_CAPITAL_PER_TRADE %s", deployment, m.cfg.MaxCapitalPerTrade),
		})
	}

	return violations
}
