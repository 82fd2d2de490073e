// Package calendar tracks upcoming economic events and decides whether they
// veto new entries or force an early square-off (C4).
package calendar

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

// Window is how far ahead the calendar looks.
const Window = 7 * 24 * time.Hour

// VetoLookahead is how close to a Veto event a new entry is blocked and an
// early square-off is triggered.
const VetoLookahead = 48 * time.Hour

// Source fetches raw calendar rows for the upcoming window; implementations
// may hit a broker calendar feed, a third-party economic calendar, or a
// static file in paper mode.
type Source interface {
	FetchUpcoming(ctx context.Context, window time.Duration) ([]types.CalendarEvent, error)
}

// vetoKeywords and highImpactKeywords classify an event name when the
// source does not already tag impact. Matching is case-insensitive substring.
var vetoKeywords = []string{"rbi policy", "fed rate", "fomc", "union budget", "general election"}
var highImpactKeywords = []string{"cpi", "gdp", "inflation", "jobs report", "nonfarm payroll"}

// Calendar holds the current rolling event window and classifies impact.
type Calendar struct {
	logger *zap.Logger
	source Source

	mu     sync.RWMutex
	events []types.CalendarEvent
}

// New constructs a Calendar backed by the given Source.
func New(logger *zap.Logger, source Source) *Calendar {
	return &Calendar{logger: logger, source: source}
}

// Refresh re-fetches the rolling window and classifies each event's impact.
func (c *Calendar) Refresh(ctx context.Context) error {
	events, err := c.source.FetchUpcoming(ctx, Window)
	if err != nil {
		return types.NewTransientError("calendar refresh failed", err)
	}
	for i := range events {
		if events[i].Impact == "" {
			events[i].Impact = classify(events[i].Name)
		}
	}
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
	return nil
}

func classify(name string) string {
	lower := strings.ToLower(name)
	for _, kw := range vetoKeywords {
		if strings.Contains(lower, kw) {
			return "Veto"
		}
	}
	for _, kw := range highImpactKeywords {
		if strings.Contains(lower, kw) {
			return "HighImpact"
		}
	}
	return "MediumImpact"
}

// Events returns a snapshot of the current rolling window.
func (c *Calendar) Events() []types.CalendarEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.CalendarEvent, len(c.events))
	copy(out, c.events)
	return out
}

// VetoEventsWithin returns every Veto-classified event occurring within
// VetoLookahead of now.
func (c *Calendar) VetoEventsWithin(now time.Time) []types.CalendarEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.CalendarEvent
	for _, e := range c.events {
		if e.Impact != "Veto" {
			continue
		}
		if e.Time.After(now) && e.Time.Before(now.Add(VetoLookahead)) {
			out = append(out, e)
		}
	}
	return out
}

// ShouldVetoEntry reports whether any Veto event falls within the lookahead
// window of now, which blocks new-trade mandates per spec.md §4.4.
func (c *Calendar) ShouldVetoEntry(now time.Time) (bool, []types.CalendarEvent) {
	events := c.VetoEventsWithin(now)
	return len(events) > 0, events
}

// SquareOffTime computes when open positions must be closed ahead of the
// nearest Veto event: event time minus 2 hours if the event is within 24
// hours, otherwise 14:00 local time on the prior trading day.
func SquareOffTime(event types.CalendarEvent, now time.Time) time.Time {
	if event.Time.Sub(now) <= 24*time.Hour {
		return event.Time.Add(-2 * time.Hour)
	}
	priorDay := event.Time.AddDate(0, 0, -1)
	for priorDay.Weekday() == time.Saturday || priorDay.Weekday() == time.Sunday {
		priorDay = priorDay.AddDate(0, 0, -1)
	}
	loc := event.Time.Location()
	return time.Date(priorDay.Year(), priorDay.Month(), priorDay.Day(), 14, 0, 0, 0, loc)
}
