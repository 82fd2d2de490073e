package events

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestBusPublishDispatchesToSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultBusConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var received Event
	done := make(chan struct{})

	bus.Subscribe(EventTypeCircuitTrip, func(e Event) error {
		mu.Lock()
		received = e
		mu.Unlock()
		close(done)
		return nil
	})

	bus.Publish(NewCircuitTripEvent("drawdown breached", time.Now().Add(24*time.Hour)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil || received.GetType() != EventTypeCircuitTrip {
		t.Errorf("expected a CircuitTrip event, got %+v", received)
	}
}

func TestBusSubscribeAllReceivesEveryType(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultBusConfig())
	defer bus.Stop()

	var count int
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	bus.SubscribeAll(func(e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	bus.Publish(NewTradeEvent("t1", "SHORT_STRANGLE", "OPEN", decimal.Zero))
	bus.Publish(NewOrderFillEvent("NSE_INDEX|Nifty 50", "SELL", 75, decimal.NewFromInt(100), decimal.NewFromFloat(0.01)))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("expected 2 events delivered to the catch-all subscriber, got %d", count)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultBusConfig())
	defer bus.Stop()

	var mu sync.Mutex
	count := 0

	sub := bus.Subscribe(EventTypeAnalysis, func(e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	bus.PublishSync(NewAnalysisEvent("HIGH_VOL", 0.5))
	bus.Unsubscribe(sub)
	bus.PublishSync(NewAnalysisEvent("HIGH_VOL", 0.5))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBusFilterExcludesNonMatchingEvents(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultBusConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var messages []string

	bus.Subscribe(EventTypeRiskAlert, func(e Event) error {
		alert := e.(*RiskAlertEvent)
		mu.Lock()
		messages = append(messages, alert.Message)
		mu.Unlock()
		return nil
	}, SubscriptionOptions{
		Filter: func(e Event) bool {
			alert, ok := e.(*RiskAlertEvent)
			return ok && alert.Severity == "CRITICAL"
		},
	})

	bus.PublishSync(NewRiskAlertEvent("max_loss", "WARNING", "approaching limit", decimal.Zero, decimal.Zero))
	bus.PublishSync(NewRiskAlertEvent("max_loss", "CRITICAL", "limit breached", decimal.Zero, decimal.Zero))

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 || messages[0] != "limit breached" {
		t.Errorf("expected only the CRITICAL alert to pass the filter, got %+v", messages)
	}
}

func TestBusStatsCountPublished(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultBusConfig())
	defer bus.Stop()

	bus.PublishSync(NewAnalysisEvent("HIGH_VOL", 0.5))
	bus.PublishSync(NewAnalysisEvent("LOW_VOL", 0.1))

	stats := bus.Stats()
	if stats.EventsPublished != 2 {
		t.Errorf("expected EventsPublished=2, got %d", stats.EventsPublished)
	}
}
