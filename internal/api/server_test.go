package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/api"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/calendar"
	"github.com/volguard/controlplane/internal/config"
	"github.com/volguard/controlplane/internal/risk"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

type fakeCycle struct{ ran bool }

func (f *fakeCycle) RunCycle(ctx context.Context) { f.ran = true }

type fakeExecutor struct{}

func (fakeExecutor) ExecuteStrategy(ctx context.Context, mandate types.TradingMandate, legs []types.OptionLeg) (*types.Trade, error) {
	return nil, nil
}
func (fakeExecutor) ExitStrategy(ctx context.Context, trade *types.Trade, reason string) error {
	return nil
}

type fakeChainSource struct{}

func (fakeChainSource) GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error) {
	return nil, nil
}
func (fakeChainSource) GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error) {
	return decimal.NewFromInt(22000), nil
}

type fakeRiskBroker struct{}

func (fakeRiskBroker) RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (fakeRiskBroker) AvailableFunds(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000000), nil
}

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	brk := breaker.New(logger, store, t.TempDir()+"/KILL_SWITCH", nil)
	cal := calendar.New(logger, calendar.StaticSource{})
	cfg := &config.Config{BaseCapital: decimal.NewFromInt(1000000), MaxDrawdownPct: decimal.NewFromFloat(0.15)}
	riskMgr := risk.New(cfg, brk, cal, fakeRiskBroker{})

	server := api.NewServer(logger, api.Config{
		Addr:            ":0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxLossPerTrade: decimal.NewFromInt(50000),
		NiftyKey:        "NSE_INDEX|Nifty 50",
	}, store, &fakeCycle{}, fakeExecutor{}, riskMgr, brk, fakeChainSource{}, nil)

	return httptest.NewServer(server.Router())
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRiskStatusEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/orders/risk-status")
	if err != nil {
		t.Fatalf("risk-status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if active, ok := body["circuit_breaker_active"].(bool); !ok || active {
		t.Errorf("expected circuit_breaker_active=false on a fresh breaker, got %v", body["circuit_breaker_active"])
	}
}

func TestPositionsEndpointEmptyInitially(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/positions")
	if err != nil {
		t.Fatalf("positions request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var trades []*types.Trade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no open positions, got %d", len(trades))
	}
}
