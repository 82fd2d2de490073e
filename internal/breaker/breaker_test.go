package breaker

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/storage"
	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	return New(zap.NewNop(), store, t.TempDir()+"/KILL_SWITCH_never_exists", nil)
}

func TestBreakerNotActiveInitially(t *testing.T) {
	b := newTestBreaker(t)
	if b.Active() {
		t.Error("expected breaker to be inactive on a fresh state")
	}
}

func TestBreakerTripsOnDrawdownThreshold(t *testing.T) {
	b := newTestBreaker(t)
	if err := b.TripOnDrawdown(decimal.NewFromFloat(0.15)); err != nil {
		t.Fatalf("TripOnDrawdown returned error: %v", err)
	}
	if !b.Active() {
		t.Error("expected breaker to trip at the 0.15 drawdown threshold")
	}
}

func TestBreakerDoesNotTripBelowDrawdownThreshold(t *testing.T) {
	b := newTestBreaker(t)
	if err := b.TripOnDrawdown(decimal.NewFromFloat(0.10)); err != nil {
		t.Fatalf("TripOnDrawdown returned error: %v", err)
	}
	if b.Active() {
		t.Error("expected breaker to remain inactive below the drawdown threshold")
	}
}

func TestBreakerTripsOnThreeConsecutiveLosses(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < 2; i++ {
		if err := b.RecordTradeOutcome(decimal.NewFromInt(-100)); err != nil {
			t.Fatalf("RecordTradeOutcome returned error: %v", err)
		}
		if b.Active() {
			t.Fatalf("breaker tripped early after %d losses", i+1)
		}
	}
	if err := b.RecordTradeOutcome(decimal.NewFromInt(-100)); err != nil {
		t.Fatalf("RecordTradeOutcome returned error: %v", err)
	}
	if !b.Active() {
		t.Error("expected breaker to trip after three consecutive losses")
	}
}

func TestBreakerWinResetsConsecutiveLosses(t *testing.T) {
	b := newTestBreaker(t)
	_ = b.RecordTradeOutcome(decimal.NewFromInt(-100))
	_ = b.RecordTradeOutcome(decimal.NewFromInt(-100))
	_ = b.RecordTradeOutcome(decimal.NewFromInt(50)) // win resets the counter
	_ = b.RecordTradeOutcome(decimal.NewFromInt(-100))
	_ = b.RecordTradeOutcome(decimal.NewFromInt(-100))
	if b.Active() {
		t.Error("expected a win to reset the consecutive-loss counter")
	}
}

func TestBreakerTripsOnFiveSlippageEventsSameDay(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		if err := b.RecordSlippageEvent(); err != nil {
			t.Fatalf("RecordSlippageEvent returned error: %v", err)
		}
		if b.Active() {
			t.Fatalf("breaker tripped early after %d slippage events", i+1)
		}
	}
	if err := b.RecordSlippageEvent(); err != nil {
		t.Fatalf("RecordSlippageEvent returned error: %v", err)
	}
	if !b.Active() {
		t.Error("expected breaker to trip after five slippage events in one day")
	}
}

func TestBreakerUpdatePeakCapitalOnlyIncreases(t *testing.T) {
	b := newTestBreaker(t)
	if err := b.UpdatePeakCapital(decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("UpdatePeakCapital returned error: %v", err)
	}
	if err := b.UpdatePeakCapital(decimal.NewFromInt(500)); err != nil {
		t.Fatalf("UpdatePeakCapital returned error: %v", err)
	}
	if !b.State().PeakCapital.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected peak capital to stay at 1000, got %s", b.State().PeakCapital)
	}
}

func TestBreakerStatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	b := New(zap.NewNop(), store, dir+"/KILL_SWITCH", nil)
	if err := b.TripOnDrawdown(decimal.NewFromFloat(1)); err != nil {
		t.Fatalf("TripOnDrawdown returned error: %v", err)
	}

	reloadedStore, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open (reload) failed: %v", err)
	}
	reloaded := New(zap.NewNop(), reloadedStore, dir+"/KILL_SWITCH", nil)
	if !reloaded.Active() {
		t.Error("expected trip state to survive a store reload")
	}
}
