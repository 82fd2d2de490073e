package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

type fakeSource struct {
	events []types.CalendarEvent
	err    error
}

func (f fakeSource) FetchUpcoming(ctx context.Context, window time.Duration) ([]types.CalendarEvent, error) {
	return f.events, f.err
}

func TestClassifyVetoKeyword(t *testing.T) {
	if got := classify("RBI Policy Decision"); got != "Veto" {
		t.Errorf("expected Veto classification, got %s", got)
	}
	if got := classify("Fed Rate Announcement"); got != "Veto" {
		t.Errorf("expected Veto classification for Fed events, got %s", got)
	}
}

func TestClassifyHighImpactKeyword(t *testing.T) {
	if got := classify("US CPI Release"); got != "HighImpact" {
		t.Errorf("expected HighImpact classification, got %s", got)
	}
}

func TestClassifyDefaultsToMediumImpact(t *testing.T) {
	if got := classify("Quarterly Earnings Call"); got != "MediumImpact" {
		t.Errorf("expected MediumImpact default classification, got %s", got)
	}
}

func TestCalendarRefreshClassifiesUntaggedEvents(t *testing.T) {
	src := fakeSource{events: []types.CalendarEvent{
		{Name: "RBI Policy Decision", Time: time.Now().Add(24 * time.Hour)},
	}}
	cal := New(zap.NewNop(), src)
	if err := cal.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Impact != "Veto" {
		t.Errorf("expected refreshed event to be classified Veto, got %s", events[0].Impact)
	}
}

func TestCalendarVetoEventsWithinLookahead(t *testing.T) {
	now := time.Now()
	src := fakeSource{events: []types.CalendarEvent{
		{Name: "RBI Policy Decision", Time: now.Add(24 * time.Hour), Impact: "Veto"},
		{Name: "RBI Policy Decision Far Out", Time: now.Add(96 * time.Hour), Impact: "Veto"},
	}}
	cal := New(zap.NewNop(), src)
	if err := cal.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	within := cal.VetoEventsWithin(now)
	if len(within) != 1 {
		t.Fatalf("expected 1 veto event within the 48h lookahead, got %d", len(within))
	}
}

func TestNewTradingViewSourceReturnsSource(t *testing.T) {
	// Only checks that construction succeeds; the network fetch, its status
	// handling and the JSON decode path are not exercised here.
	src := NewTradingViewSource()
	if src == nil {
		t.Fatal("expected a non-nil TradingViewSource")
	}
}

func TestStaticSourceFiltersByWindow(t *testing.T) {
	now := time.Now()
	src := StaticSource{Events: []types.CalendarEvent{
		{Name: "near", Time: now.Add(time.Hour)},
		{Name: "far", Time: now.Add(30 * 24 * time.Hour)},
	}}
	events, err := src.FetchUpcoming(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("FetchUpcoming returned error: %v", err)
	}
	if len(events) != 1 || events[0].Name != "near" {
		t.Errorf("expected only the near event within the window, got %+v", events)
	}
}
