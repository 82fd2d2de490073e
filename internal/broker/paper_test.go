package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

func TestPaperRPCPlaceOrderFills(t *testing.T) {
	cfg := DefaultPaperConfig()
	cfg.FillProbability = 1 // deterministic: always fills
	p := NewPaperRPC(cfg)

	leg := types.OptionLeg{Quantity: 75, LotSize: 75, Side: types.LegSideSell}
	orderID, err := p.PlaceOrder(context.Background(), leg, decimal.NewFromInt(100), "client-1")
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if orderID == "" {
		t.Fatal("expected a non-empty order ID")
	}

	report, err := p.GetOrderStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetOrderStatus returned error: %v", err)
	}
	if report.Status != OrderStatusComplete {
		t.Errorf("expected status COMPLETE, got %s", report.Status)
	}
	if report.FilledQty != leg.Quantity {
		t.Errorf("expected filled qty %d, got %d", leg.Quantity, report.FilledQty)
	}
}

func TestPaperRPCPlaceOrderRejectsBelowFillProbability(t *testing.T) {
	cfg := DefaultPaperConfig()
	cfg.FillProbability = 0 // deterministic: always rejects
	p := NewPaperRPC(cfg)

	leg := types.OptionLeg{Quantity: 75, LotSize: 75, Side: types.LegSideSell}
	orderID, err := p.PlaceOrder(context.Background(), leg, decimal.NewFromInt(100), "client-1")
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	report, err := p.GetOrderStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetOrderStatus returned error: %v", err)
	}
	if report.Status != OrderStatusRejected {
		t.Errorf("expected status REJECTED, got %s", report.Status)
	}
}

func TestPaperRPCGetOrderStatusUnknownID(t *testing.T) {
	p := NewPaperRPC(DefaultPaperConfig())
	if _, err := p.GetOrderStatus(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown order ID")
	}
}

func TestPaperRPCGetOptionChainShapeAndSorting(t *testing.T) {
	p := NewPaperRPC(DefaultPaperConfig())
	rows, err := p.GetOptionChain(context.Background(), time.Now().AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("GetOptionChain returned error: %v", err)
	}
	if len(rows) != 31 {
		t.Fatalf("expected 31 strikes, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].Strike.GreaterThan(rows[i-1].Strike) {
			t.Fatalf("expected strictly increasing strikes, row %d (%s) <= row %d (%s)", i, rows[i].Strike, i-1, rows[i-1].Strike)
		}
	}
	for _, row := range rows {
		if row.Call.Delta.LessThan(decimal.NewFromInt(-1)) || row.Call.Delta.GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("call delta out of [-1,1] range: %s", row.Call.Delta)
		}
		if row.Put.Delta.LessThan(decimal.NewFromInt(-2)) || row.Put.Delta.GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("put delta out of expected range: %s", row.Put.Delta)
		}
	}
}

func TestPaperRPCGetHistoricalCandlesLength(t *testing.T) {
	p := NewPaperRPC(DefaultPaperConfig())
	candles, err := p.GetHistoricalCandles(context.Background(), "NSE_INDEX|Nifty 50", "day", 30)
	if err != nil {
		t.Fatalf("GetHistoricalCandles returned error: %v", err)
	}
	if len(candles) != 30 {
		t.Fatalf("expected 30 candles, got %d", len(candles))
	}
	for _, c := range candles {
		if c.High.LessThan(c.Low) {
			t.Errorf("candle high %s below low %s", c.High, c.Low)
		}
	}
}

func TestPaperRPCRequiredMarginOnlyCountsSellLegs(t *testing.T) {
	p := NewPaperRPC(DefaultPaperConfig())
	legs := []types.OptionLeg{
		{Side: types.LegSideSell, Quantity: 150, LotSize: 75},
		{Side: types.LegSideBuy, Quantity: 75, LotSize: 75},
	}
	margin, err := p.RequiredMargin(context.Background(), legs)
	if err != nil {
		t.Fatalf("RequiredMargin returned error: %v", err)
	}
	expected := decimal.NewFromInt(120000 * 2)
	if !margin.Equal(expected) {
		t.Errorf("expected margin %s for 2 short lots, got %s", expected, margin)
	}
}

func TestInMemoryTokenStoreRoundTrip(t *testing.T) {
	store := NewInMemoryTokenStore()
	expires := time.Now().Add(time.Hour)
	if err := store.SaveToken("access", "refresh", expires); err != nil {
		t.Fatalf("SaveToken returned error: %v", err)
	}
	access, refresh, exp, err := store.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken returned error: %v", err)
	}
	if access != "access" || refresh != "refresh" || !exp.Equal(expires) {
		t.Errorf("round trip mismatch: got (%s, %s, %s)", access, refresh, exp)
	}
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileTokenStore(dir + "/token.json")
	expires := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	if err := store.SaveToken("a", "r", expires); err != nil {
		t.Fatalf("SaveToken returned error: %v", err)
	}

	reloaded := NewFileTokenStore(dir + "/token.json")
	access, refresh, exp, err := reloaded.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken returned error: %v", err)
	}
	if access != "a" || refresh != "r" || !exp.Equal(expires) {
		t.Errorf("persisted round trip mismatch: got (%s, %s, %s)", access, refresh, exp)
	}
}
