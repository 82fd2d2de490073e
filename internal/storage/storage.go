// Package storage persists the control plane's logical tables as atomically
// written JSON files, one file per table: trades, trade_legs, orders,
// analysis_history, system_state, risk_events, daily_metrics. Atomicity is
// achieved with a temp-file-plus-rename pattern per write, so a crash mid
// write never corrupts the table.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/volguard/controlplane/pkg/types"
)

// Store is the process-wide persistence handle. Each table has a single
// writer lock; readers never block the writer longer than one JSON encode.
type Store struct {
	dir string

	tradesMu   sync.RWMutex
	trades     map[string]*types.Trade

	ordersMu   sync.RWMutex
	orders     map[string]*types.OrderRecord

	analysisMu sync.RWMutex
	analyses   []types.AnalysisSnapshot

	stateMu sync.RWMutex
	state   types.CircuitBreakerState

	riskMu sync.RWMutex
	risk   []types.RiskEvent

	dailyMu sync.RWMutex
	daily   map[string]types.DailyMetrics
}

// Open loads (or initializes) every table from dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating data dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		trades:   make(map[string]*types.Trade),
		orders:   make(map[string]*types.OrderRecord),
		daily:    make(map[string]types.DailyMetrics),
	}
	if err := loadJSON(s.path("trades"), &s.trades); err != nil {
		return nil, err
	}
	if err := loadJSON(s.path("orders"), &s.orders); err != nil {
		return nil, err
	}
	if err := loadJSON(s.path("analysis_history"), &s.analyses); err != nil {
		return nil, err
	}
	if err := loadJSON(s.path("system_state"), &s.state); err != nil {
		return nil, err
	}
	if err := loadJSON(s.path("risk_events"), &s.risk); err != nil {
		return nil, err
	}
	if err := loadJSON(s.path("daily_metrics"), &s.daily); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

func loadJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("storage: decoding %s: %w", path, err)
	}
	return nil
}

// writeAtomic encodes v to a temp file in the same directory, fsyncs it, and
// renames it over path so readers never observe a partial write.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".storage-*")
	if err != nil {
		return fmt.Errorf("storage: creating temp file: %w", err)
	}
	tmpName := f.Name()
	cleanup := true
	defer func() {
		if cleanup {
			f.Close()
			os.Remove(tmpName)
		}
	}()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("storage: chmod temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("storage: encoding %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storage: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return fmt.Errorf("storage: cross-device rename unsupported for %s: %w", path, err)
		}
		return fmt.Errorf("storage: renaming into place %s: %w", path, err)
	}
	cleanup = false

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		dirHandle.Close()
	}
	return nil
}

// SaveTrade upserts a trade and persists the whole trades table.
func (s *Store) SaveTrade(t *types.Trade) error {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	s.trades[t.ID] = t
	return writeAtomic(s.path("trades"), s.trades)
}

// GetTrade returns a trade by ID.
func (s *Store) GetTrade(id string) (*types.Trade, bool) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	t, ok := s.trades[id]
	return t, ok
}

// OpenTrades returns every trade currently Open or Closing.
func (s *Store) OpenTrades() []*types.Trade {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	var out []*types.Trade
	for _, t := range s.trades {
		if t.Status == types.TradeStatusOpen || t.Status == types.TradeStatusClosing {
			out = append(out, t)
		}
	}
	return out
}

// AllTrades returns every persisted trade, newest-unordered.
func (s *Store) AllTrades() []*types.Trade {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	out := make([]*types.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	return out
}

// SaveOrder upserts an order record.
func (s *Store) SaveOrder(o *types.OrderRecord) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	s.orders[o.OrderID] = o
	return writeAtomic(s.path("orders"), s.orders)
}

// AppendAnalysis appends a snapshot to the analysis history.
func (s *Store) AppendAnalysis(a types.AnalysisSnapshot) error {
	s.analysisMu.Lock()
	defer s.analysisMu.Unlock()
	s.analyses = append(s.analyses, a)
	return writeAtomic(s.path("analysis_history"), s.analyses)
}

// LatestAnalysis returns the most recently persisted snapshot.
func (s *Store) LatestAnalysis() (types.AnalysisSnapshot, bool) {
	s.analysisMu.RLock()
	defer s.analysisMu.RUnlock()
	if len(s.analyses) == 0 {
		return types.AnalysisSnapshot{}, false
	}
	return s.analyses[len(s.analyses)-1], true
}

// SaveState persists the circuit breaker's state durably before the caller
// acknowledges the mutation, per spec.md §4.8.
func (s *Store) SaveState(state types.CircuitBreakerState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
	return writeAtomic(s.path("system_state"), s.state)
}

// LoadState returns the persisted circuit breaker state.
func (s *Store) LoadState() types.CircuitBreakerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// AppendRiskEvent appends an entry to the risk_events table.
func (s *Store) AppendRiskEvent(e types.RiskEvent) error {
	s.riskMu.Lock()
	defer s.riskMu.Unlock()
	s.risk = append(s.risk, e)
	return writeAtomic(s.path("risk_events"), s.risk)
}

// SaveDailyMetrics upserts one day's aggregate metrics.
func (s *Store) SaveDailyMetrics(m types.DailyMetrics) error {
	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()
	s.daily[m.Date] = m
	return writeAtomic(s.path("daily_metrics"), s.daily)
}

// DailyMetrics returns a day's aggregate metrics.
func (s *Store) DailyMetrics(date string) (types.DailyMetrics, bool) {
	s.dailyMu.RLock()
	defer s.dailyMu.RUnlock()
	m, ok := s.daily[date]
	return m, ok
}

// RecordTradeOpened increments the opening day's trade counter and deployed
// capital in the daily_metrics table.
func (s *Store) RecordTradeOpened(t *types.Trade) error {
	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()
	date := t.EntryTime.Format("2006-01-02")
	m := s.daily[date]
	m.Date = date
	m.TradesCount++
	m.CapitalDeployed = m.CapitalDeployed.Add(t.DeploymentAmount)
	s.daily[date] = m
	return writeAtomic(s.path("daily_metrics"), s.daily)
}

// RecordTradeClosed folds a closed trade's realized P&L and win/loss outcome
// into the exit day's aggregate metrics.
func (s *Store) RecordTradeClosed(t *types.Trade) error {
	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()
	date := time.Now().Format("2006-01-02")
	if t.ExitTime != nil {
		date = t.ExitTime.Format("2006-01-02")
	}
	m := s.daily[date]
	m.Date = date
	m.TotalPnL = m.TotalPnL.Add(t.RealizedPnL)
	m.Realized = m.Realized.Add(t.RealizedPnL)
	if t.RealizedPnL.IsNegative() {
		m.Losing++
	} else {
		m.Winning++
	}
	s.daily[date] = m
	return writeAtomic(s.path("daily_metrics"), s.daily)
}
