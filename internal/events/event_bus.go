// Package events provides an in-process pub-sub bus used to fan out
// domain lifecycle events (risk alerts, trade transitions, order fills)
// to whichever observers care: logging, the notification sink, the
// WebSocket hub.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType categorizes a domain event.
type EventType string

const (
	EventTypeRiskAlert  EventType = "risk_alert"
	EventTypeCircuitTrip EventType = "circuit_trip"
	EventTypeTrade       EventType = "trade"
	EventTypeOrderFill   EventType = "order_fill"
	EventTypeAnalysis    EventType = "analysis_cycle"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{ID: generateEventID(), Type: eventType, Timestamp: time.Now()}
}

func generateEventID() string {
	return time.Now().Format("20060102150405.000000000")
}

// RiskAlertEvent reports a risk-manager violation or breaker state change.
type RiskAlertEvent struct {
	BaseEvent
	Check        string          `json:"check"`
	Severity     string          `json:"severity"`
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"current_value,omitempty"`
	Threshold    decimal.Decimal `json:"threshold,omitempty"`
}

// NewRiskAlertEvent constructs a RiskAlertEvent.
func NewRiskAlertEvent(check, severity, message string, currentValue, threshold decimal.Decimal) *RiskAlertEvent {
	return &RiskAlertEvent{
		BaseEvent: newBaseEvent(EventTypeRiskAlert), Check: check, Severity: severity,
		Message: message, CurrentValue: currentValue, Threshold: threshold,
	}
}

// CircuitTripEvent reports the breaker tripping.
type CircuitTripEvent struct {
	BaseEvent
	Reason    string    `json:"reason"`
	TripUntil time.Time `json:"trip_until"`
}

// NewCircuitTripEvent constructs a CircuitTripEvent.
func NewCircuitTripEvent(reason string, tripUntil time.Time) *CircuitTripEvent {
	return &CircuitTripEvent{BaseEvent: newBaseEvent(EventTypeCircuitTrip), Reason: reason, TripUntil: tripUntil}
}

// TradeEvent reports a trade lifecycle transition (open/closing/closed/failed).
type TradeEvent struct {
	BaseEvent
	TradeID     string          `json:"trade_id"`
	Strategy    string          `json:"strategy"`
	Status      string          `json:"status"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`
}

// NewTradeEvent constructs a TradeEvent.
func NewTradeEvent(tradeID, strategy, status string, realizedPnL decimal.Decimal) *TradeEvent {
	return &TradeEvent{
		BaseEvent: newBaseEvent(EventTypeTrade), TradeID: tradeID, Strategy: strategy,
		Status: status, RealizedPnL: realizedPnL,
	}
}

// OrderFillEvent reports a single leg fill, including observed slippage.
type OrderFillEvent struct {
	BaseEvent
	InstrumentKey string          `json:"instrument_key"`
	Side          string          `json:"side"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	SlippagePct   decimal.Decimal `json:"slippage_pct"`
}

// NewOrderFillEvent constructs an OrderFillEvent.
func NewOrderFillEvent(instrumentKey, side string, filledQty int64, avgFillPrice, slippagePct decimal.Decimal) *OrderFillEvent {
	return &OrderFillEvent{
		BaseEvent: newBaseEvent(EventTypeOrderFill), InstrumentKey: instrumentKey, Side: side,
		FilledQty: filledQty, AvgFillPrice: avgFillPrice, SlippagePct: slippagePct,
	}
}

// AnalysisEvent reports the outcome of one controller cycle.
type AnalysisEvent struct {
	BaseEvent
	RegimeName string `json:"regime_name"`
	Composite  float64 `json:"composite"`
}

// NewAnalysisEvent constructs an AnalysisEvent.
func NewAnalysisEvent(regimeName string, composite float64) *AnalysisEvent {
	return &AnalysisEvent{BaseEvent: newBaseEvent(EventTypeAnalysis), RegimeName: regimeName, Composite: composite}
}

// EventHandler processes a published event; an error is logged, not fatal.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a subscription.
type EventFilter func(event Event) bool

// SubscriptionOptions configures a subscription's delivery behavior.
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool
}

// Subscription is an active registration on the bus.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// BusStats is a snapshot of bus throughput and health.
type BusStats struct {
	EventsPublished  int64         `json:"events_published"`
	EventsProcessed  int64         `json:"events_processed"`
	EventsDropped    int64         `json:"events_dropped"`
	ProcessingErrors int64         `json:"processing_errors"`
	P99Latency       time.Duration `json:"p99_latency"`
}

// BusConfig configures the bus's worker pool and queue depth. Defaults are
// sized for a control plane emitting at most a handful of events per
// analysis cycle, not tick-level market data.
type BusConfig struct {
	NumWorkers int
	BufferSize int
}

// DefaultBusConfig returns sensible defaults for this domain's event volume.
func DefaultBusConfig() BusConfig {
	return BusConfig{NumWorkers: 2, BufferSize: 256}
}

// Bus is the central event router.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event

	eventsPublished  atomic.Int64
	eventsProcessed  atomic.Int64
	eventsDropped    atomic.Int64
	processingErrors atomic.Int64

	latencyMu sync.Mutex
	latencies []int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus constructs and starts a Bus with the given worker pool.
func NewBus(logger *zap.Logger, cfg BusConfig) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		latencies:   make([]int64, 0, 256),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			start := time.Now()
			b.dispatch(event, false)
			b.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (b *Bus) dispatch(event Event, forceSync bool) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	allSubs := b.allSubscribers
	b.mu.RUnlock()

	for _, sub := range append(append([]*Subscription{}, subs...), allSubs...) {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		if sub.Options.Async && !forceSync {
			go b.execute(sub, event)
		} else {
			b.execute(sub, event)
		}
	}
	b.eventsProcessed.Add(1)
}

func (b *Bus) execute(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic", zap.String("subscription_id", sub.ID), zap.Any("panic", r))
		}
	}()
	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func (b *Bus) trackLatency(ns int64) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) >= 256 {
		b.latencies = b.latencies[1:]
	}
	b.latencies = append(b.latencies, ns)
}

func (b *Bus) p99Latency() time.Duration {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := append([]int64{}, b.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

func generateSubscriptionID() string {
	return "sub_" + time.Now().Format("20060102150405.000000000")
}

// Subscribe registers handler for events of the given type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	opt := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		opt = opts[0]
	}
	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler, Options: opt}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers handler for every event type published.
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	opt := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		opt = opts[0]
	}
	sub := &Subscription{ID: generateSubscriptionID(), Handler: handler, Options: opt}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription; in-flight deliveries still complete.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish enqueues event for asynchronous dispatch, dropping it if the
// queue is full rather than blocking the caller.
func (b *Bus) Publish(event Event) {
	b.eventsPublished.Add(1)
	select {
	case b.eventChan <- event:
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event bus queue full, dropping event", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync dispatches event to all matching subscribers synchronously,
// bypassing the queue. Used when the caller must know delivery completed.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.dispatch(event, true)
}

// Stats returns a snapshot of bus throughput and health.
func (b *Bus) Stats() BusStats {
	return BusStats{
		EventsPublished:  b.eventsPublished.Load(),
		EventsProcessed:  b.eventsProcessed.Load(),
		EventsDropped:    b.eventsDropped.Load(),
		ProcessingErrors: b.processingErrors.Load(),
		P99Latency:       b.p99Latency(),
	}
}

// Stop cancels the worker pool and waits for in-flight events to drain.
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
}
