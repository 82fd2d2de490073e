// Package marketdata is the thread-safe quote/Greeks cache (C2): a
// multi-reader/single-writer map of instrument key to last quote, with
// staleness tracking so stale reads are refused by price-dependent callers.
package marketdata

import (
	"sync"
	"time"

	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

// StaleAfter is the age beyond which a cached quote must be treated as
// stale, per spec.md §4.2.
const StaleAfter = 60 * time.Second

// Entry is a cached quote together with its fetch time.
type Entry struct {
	Quote     types.Quote
	FetchedAt time.Time
}

// Age returns how long ago this entry was written.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.FetchedAt) }

// Stale reports whether this entry is older than StaleAfter.
func (e Entry) Stale(now time.Time) bool { return e.Age(now) > StaleAfter }

// Cache is the process-wide market data store. Writers are the streaming
// message handler (single writer); Analytics, the Strategy Builder, and the
// Position Monitor are readers. Readers hold the shared read lock only for a
// single map lookup; a writer waits for lookups already in progress.
type Cache struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[types.InstrumentKey]Entry

	subMu sync.Mutex
	subs  map[types.InstrumentKey]bool

	onResubscribe func(keys []types.InstrumentKey)
}

// NewCache constructs an empty market data cache.
func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		logger:  logger,
		entries: make(map[types.InstrumentKey]Entry),
		subs:    make(map[types.InstrumentKey]bool),
	}
}

// OnResubscribe registers the callback invoked whenever the subscription set
// changes, so the gateway can re-subscribe to the streaming feed.
func (c *Cache) OnResubscribe(fn func(keys []types.InstrumentKey)) {
	c.onResubscribe = fn
}

// Update writes a fresh quote into the cache. Called by the single streaming
// reader task.
func (c *Cache) Update(q types.Quote) {
	c.mu.Lock()
	c.entries[q.InstrumentKey] = Entry{Quote: q, FetchedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached entry for a key and whether it was present.
func (c *Cache) Get(key types.InstrumentKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetFresh returns the cached quote if present and not stale, or a Stale
// TradingError if it is present but too old, or a NotFound-class error if
// the key has never been seen.
func (c *Cache) GetFresh(key types.InstrumentKey) (types.Quote, error) {
	e, ok := c.Get(key)
	if !ok {
		return types.Quote{}, &types.TradingError{Class: types.ErrClassNotFound, Message: "no quote cached for " + string(key)}
	}
	if e.Stale(time.Now()) {
		return types.Quote{}, types.NewStaleError("quote for " + string(key) + " is stale")
	}
	return e.Quote, nil
}

// Subscribe atomically adds keys to the subscription set and triggers
// re-subscription of the whole set, matching the "subscription set is
// mutated atomically on position open/close" requirement of spec.md §4.2.
func (c *Cache) Subscribe(keys ...types.InstrumentKey) {
	c.subMu.Lock()
	changed := false
	for _, k := range keys {
		if !c.subs[k] {
			c.subs[k] = true
			changed = true
		}
	}
	snapshot := c.subscribedKeysLocked()
	c.subMu.Unlock()

	if changed && c.onResubscribe != nil {
		c.onResubscribe(snapshot)
	}
}

// Unsubscribe atomically removes keys from the subscription set.
func (c *Cache) Unsubscribe(keys ...types.InstrumentKey) {
	c.subMu.Lock()
	changed := false
	for _, k := range keys {
		if c.subs[k] {
			delete(c.subs, k)
			changed = true
		}
	}
	snapshot := c.subscribedKeysLocked()
	c.subMu.Unlock()

	if changed && c.onResubscribe != nil {
		c.onResubscribe(snapshot)
	}
}

func (c *Cache) subscribedKeysLocked() []types.InstrumentKey {
	keys := make([]types.InstrumentKey, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

// SubscribedKeys returns a snapshot of the current subscription set.
func (c *Cache) SubscribedKeys() []types.InstrumentKey {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribedKeysLocked()
}
