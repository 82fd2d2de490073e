// Package breaker implements the persistent circuit breaker state machine
// (C8): it trips on daily loss, drawdown, consecutive losses, slippage
// events, or a manual kill-switch file, and blocks new entries for 24h.
package breaker

import (
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/events"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

const tripDuration = 24 * time.Hour

const (
	dailyLossThreshold        = 0.03
	drawdownThreshold         = 0.15
	consecutiveLossThreshold  = 3
	slippageEventThreshold    = 5
)

// Breaker owns all circuit-breaker state mutations; observers read a
// snapshot via Active/State.
type Breaker struct {
	logger         *zap.Logger
	store          *storage.Store
	killSwitchFile string
	bus            *events.Bus

	mu    sync.Mutex
	state types.CircuitBreakerState
}

// New loads persisted breaker state, or starts fresh if none exists. bus may
// be nil, in which case trip events are logged but not published.
func New(logger *zap.Logger, store *storage.Store, killSwitchFile string, bus *events.Bus) *Breaker {
	return &Breaker{
		logger:         logger,
		store:          store,
		killSwitchFile: killSwitchFile,
		bus:            bus,
		state:          store.LoadState(),
	}
}

// Active reports whether the breaker currently blocks new entries. A past
// trip_until auto-resets on the next check.
func (b *Breaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

func (b *Breaker) activeLocked() bool {
	now := time.Now()
	if b.state.Active(now) {
		return true
	}
	if _, err := os.Stat(b.killSwitchFile); err == nil {
		return true
	}
	if b.state.TripUntil != nil && !now.Before(*b.state.TripUntil) {
		b.state.TripUntil = nil
		b.state.TripReason = ""
		_ = b.persistLocked()
	}
	return false
}

// State returns a snapshot of the current breaker state.
func (b *Breaker) State() types.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) persistLocked() error {
	return b.store.SaveState(b.state)
}

// trip sets trip_until = now+24h with the given reason, persists durably,
// and logs a risk event before returning.
func (b *Breaker) trip(reason string) error {
	until := time.Now().Add(tripDuration)
	b.state.TripReason = reason
	b.state.TripUntil = &until
	if err := b.persistLocked(); err != nil {
		return types.NewFatalError("breaker: failed to persist trip state", err)
	}
	b.logger.Warn("circuit breaker tripped", zap.String("reason", reason), zap.Time("trip_until", until))
	_ = b.store.AppendRiskEvent(types.RiskEvent{
		ID:          reasonID(reason),
		Timestamp:   time.Now(),
		EventType:   "circuit_breaker_trip",
		Severity:    "CRITICAL",
		Description: reason,
		ActionTaken: "new entries blocked for 24h",
	})
	if b.bus != nil {
		b.bus.Publish(events.NewCircuitTripEvent(reason, until))
	}
	return nil
}

func reasonID(_ string) string {
	return "cb_" + time.Now().UTC().Format("20060102T150405.000000000")
}

// CheckDailyLoss trips the breaker if today's realized+unrealized loss meets
// the threshold.
func (b *Breaker) CheckDailyLoss(dailyPnL, baseCapital decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dailyPnL.IsNegative() && dailyPnL.Abs().GreaterThanOrEqual(baseCapital.Mul(decimal.NewFromFloat(dailyLossThreshold))) {
		return b.trip("daily loss threshold breached")
	}
	return nil
}

// TripOnDrawdown trips the breaker when called by the Risk Manager's
// drawdown check (spec.md §4.7 check 6 also trips the breaker).
func (b *Breaker) TripOnDrawdown(drawdown decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(drawdownThreshold)) {
		return b.trip("drawdown threshold breached")
	}
	return nil
}

// TripManual trips the breaker for a reason that isn't derived from a
// threshold check (e.g. repeated analysis-cycle failures).
func (b *Breaker) TripManual(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trip(reason)
}

// RecordTradeOutcome updates the consecutive-loss counter: a win resets it,
// a loss increments it and may trip the breaker at the threshold.
func (b *Breaker) RecordTradeOutcome(realizedPnL decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if realizedPnL.IsNegative() {
		b.state.ConsecutiveLosses++
	} else {
		b.state.ConsecutiveLosses = 0
	}
	if err := b.persistLocked(); err != nil {
		return types.NewFatalError("breaker: failed to persist trade outcome", err)
	}
	if b.state.ConsecutiveLosses >= consecutiveLossThreshold {
		return b.trip("three consecutive losing trades")
	}
	return nil
}

// RecordSlippageEvent increments today's slippage event counter and trips
// the breaker at the threshold. The counter resets on day rollover.
func (b *Breaker) RecordSlippageEvent() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	today := time.Now().Format("2006-01-02")
	if b.state.SlippageEventDayKey != today {
		b.state.SlippageEventDayKey = today
		b.state.SlippageEventCount = 0
	}
	b.state.SlippageEventCount++
	if err := b.persistLocked(); err != nil {
		return types.NewFatalError("breaker: failed to persist slippage event", err)
	}
	if b.state.SlippageEventCount >= slippageEventThreshold {
		return b.trip("five or more slippage events today")
	}
	return nil
}

// UpdatePeakCapital advances the high-water mark used for drawdown checks.
func (b *Breaker) UpdatePeakCapital(current decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current.GreaterThan(b.state.PeakCapital) {
		b.state.PeakCapital = current
		return b.persistLocked()
	}
	return nil
}
