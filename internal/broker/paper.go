package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

// PaperConfig tunes the paper-trading RPC's simulated fill behavior.
type PaperConfig struct {
	FillProbability float64
	SlippageMean    float64
	SlippageStd     float64
	StartingSpot    decimal.Decimal
	StartingVIX     decimal.Decimal
	LotSize         int64
	StrikeInterval  decimal.Decimal
}

// DefaultPaperConfig mirrors the dry-run defaults used by the original
// Python paper-trading engine: high fill probability, small slippage.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		FillProbability: 0.97,
		SlippageMean:    0.0005,
		SlippageStd:     0.002,
		StartingSpot:    decimal.NewFromInt(22000),
		StartingVIX:     decimal.NewFromFloat(14.5),
		LotSize:         75,
		StrikeInterval:  decimal.NewFromInt(50),
	}
}

// PaperRPC implements RPC entirely in-process: it simulates fills,
// synthesizes an option chain and candle history around a random-walking
// spot, and never touches a real broker. Used when VG_ENV=PAPER or
// VG_DRY_RUN=true, and as the repo's only available RPC implementation
// since the real broker SDK is an external collaborator this module
// never vendors.
type PaperRPC struct {
	cfg PaperConfig

	mu      sync.Mutex
	spot    decimal.Decimal
	vix     decimal.Decimal
	orderSeq int64
	orders  map[string]*OrderStatusReport
	rng     *rand.Rand
}

// NewPaperRPC constructs a paper-trading RPC seeded at cfg's starting spot.
func NewPaperRPC(cfg PaperConfig) *PaperRPC {
	return &PaperRPC{
		cfg:    cfg,
		spot:   cfg.StartingSpot,
		vix:    cfg.StartingVIX,
		orders: make(map[string]*OrderStatusReport),
		rng:    rand.New(rand.NewSource(1)),
	}
}

func (p *PaperRPC) nextOrderID() string {
	p.orderSeq++
	return fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderSeq)
}

// PlaceOrder simulates probabilistic fill with gaussian slippage around
// limitPrice, following the original paper-trading engine's model.
func (p *PaperRPC) PlaceOrder(ctx context.Context, leg types.OptionLeg, limitPrice decimal.Decimal, clientOrderID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orderID := p.nextOrderID()
	if p.rng.Float64() > p.cfg.FillProbability {
		p.orders[orderID] = &OrderStatusReport{Status: OrderStatusRejected}
		return orderID, nil
	}

	slippage := p.rng.NormFloat64()*p.cfg.SlippageStd + p.cfg.SlippageMean
	fillPrice := limitPrice.Mul(decimal.NewFromFloat(1 + slippage))
	if fillPrice.IsNegative() {
		fillPrice = decimal.Zero
	}
	p.orders[orderID] = &OrderStatusReport{
		Status:    OrderStatusComplete,
		FilledQty: leg.Quantity,
		AvgPrice:  fillPrice,
	}
	return orderID, nil
}

func (p *PaperRPC) GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report, ok := p.orders[orderID]
	if !ok {
		return OrderStatusReport{}, fmt.Errorf("broker: unknown paper order %s", orderID)
	}
	return *report, nil
}

func (p *PaperRPC) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if report, ok := p.orders[orderID]; ok && report.Status == OrderStatusOpen {
		report.Status = OrderStatusCancelled
	}
	return nil
}

func (p *PaperRPC) GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.walk()
	if key == "NSE_INDEX|India VIX" {
		return p.vix, nil
	}
	return p.spot, nil
}

// walk advances the simulated spot and VIX by one small gaussian step.
// Holding the lock is the caller's responsibility.
func (p *PaperRPC) walk() {
	step := p.rng.NormFloat64() * 0.001
	p.spot = p.spot.Mul(decimal.NewFromFloat(1 + step))
	vixStep := p.rng.NormFloat64() * 0.01
	p.vix = p.vix.Mul(decimal.NewFromFloat(1 + vixStep))
	if p.vix.LessThan(decimal.NewFromInt(8)) {
		p.vix = decimal.NewFromInt(8)
	}
}

// GetOptionChain synthesizes a chain of 15 strikes either side of spot with
// a simple linear delta decay and flat IV, sufficient to exercise the
// strategy builder and analytics in paper mode.
func (p *PaperRPC) GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error) {
	p.mu.Lock()
	spot := p.spot
	vix := p.vix
	p.mu.Unlock()

	atm := spot.Div(p.cfg.StrikeInterval).Round(0).Mul(p.cfg.StrikeInterval)
	iv := vix.Div(decimal.NewFromInt(100))

	rows := make([]types.ChainRow, 0, 31)
	for i := -15; i <= 15; i++ {
		strike := atm.Add(p.cfg.StrikeInterval.Mul(decimal.NewFromInt(int64(i))))
		callDelta := deltaApprox(spot, strike, true)
		putDelta := deltaApprox(spot, strike, false)
		callLTP := intrinsicPlusTime(spot, strike, true, iv)
		putLTP := intrinsicPlusTime(spot, strike, false, iv)
		oi := int64(50000 - abs(i)*1500)
		if oi < 500 {
			oi = 500
		}
		rows = append(rows, types.ChainRow{
			Strike:  strike,
			LotSize: p.cfg.LotSize,
			Call: types.Quote{
				LTP: callLTP, Bid: callLTP.Mul(decimal.NewFromFloat(0.99)), Ask: callLTP.Mul(decimal.NewFromFloat(1.01)),
				OI: oi, Delta: callDelta, Gamma: decimal.NewFromFloat(0.001), Theta: callLTP.Neg().Mul(decimal.NewFromFloat(0.02)),
				Vega: decimal.NewFromFloat(5), IV: iv, UpdatedAt: time.Now(),
			},
			Put: types.Quote{
				LTP: putLTP, Bid: putLTP.Mul(decimal.NewFromFloat(0.99)), Ask: putLTP.Mul(decimal.NewFromFloat(1.01)),
				OI: oi, Delta: putDelta, Gamma: decimal.NewFromFloat(0.001), Theta: putLTP.Neg().Mul(decimal.NewFromFloat(0.02)),
				Vega: decimal.NewFromFloat(5), IV: iv, UpdatedAt: time.Now(),
			},
		})
	}
	return rows, nil
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// deltaApprox is a coarse linear delta approximation centered at 0.5 ATM,
// adequate for exercising strike-selection logic without a real pricer.
func deltaApprox(spot, strike decimal.Decimal, isCall bool) decimal.Decimal {
	moneyness, _ := strike.Sub(spot).Div(spot).Float64()
	d := 0.5 - moneyness*6
	if !isCall {
		d = d - 1
	}
	if d > 0.99 {
		d = 0.99
	}
	if d < -0.99 {
		d = -0.99
	}
	return decimal.NewFromFloat(d)
}

func intrinsicPlusTime(spot, strike decimal.Decimal, isCall bool, iv decimal.Decimal) decimal.Decimal {
	var intrinsic decimal.Decimal
	if isCall {
		intrinsic = decimal.Max(spot.Sub(strike), decimal.Zero)
	} else {
		intrinsic = decimal.Max(strike.Sub(spot), decimal.Zero)
	}
	timeValue := spot.Mul(iv).Mul(decimal.NewFromFloat(0.02))
	return intrinsic.Add(timeValue)
}

// GetHistoricalCandles synthesizes a daily random walk of length days
// ending at the current simulated spot.
func (p *PaperRPC) GetHistoricalCandles(ctx context.Context, key types.InstrumentKey, interval string, days int) ([]types.Candle, error) {
	p.mu.Lock()
	end := p.spot
	if key == "NSE_INDEX|India VIX" {
		end = p.vix
	}
	p.mu.Unlock()

	candles := make([]types.Candle, days)
	price := end
	for i := days - 1; i >= 0; i-- {
		step := p.rng.NormFloat64() * 0.012
		open := price.Div(decimal.NewFromFloat(1 + step))
		high := decimal.Max(open, price).Mul(decimal.NewFromFloat(1.003))
		low := decimal.Min(open, price).Mul(decimal.NewFromFloat(0.997))
		candles[i] = types.Candle{
			Timestamp: time.Now().AddDate(0, 0, -(days - i)),
			Open:      open, High: high, Low: low, Close: price,
		}
		price = open
	}
	return candles, nil
}

// RequiredMargin estimates a flat per-lot margin, roughly in line with the
// exchange SPAN+exposure margin a short Nifty option lot carries.
func (p *PaperRPC) RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error) {
	perLot := decimal.NewFromInt(120000)
	var lots int64
	for _, l := range legs {
		if l.Side == types.LegSideSell {
			lots += l.Quantity / l.LotSize
		}
	}
	return perLot.Mul(decimal.NewFromInt(lots)), nil
}

// AvailableFunds returns a fixed large balance; the paper broker never
// actually constrains capital beyond what the Risk Manager enforces.
func (p *PaperRPC) AvailableFunds(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(10_000_000), nil
}

func (p *PaperRPC) ExitAllPositions(ctx context.Context) error {
	return nil
}

// SubscribeGreeks pushes a synthetic quote for each key every second until
// ctx is cancelled.
func (p *PaperRPC) SubscribeGreeks(ctx context.Context, keys []types.InstrumentKey, onUpdate func(types.Quote)) error {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.mu.Lock()
				p.walk()
				spot := p.spot
				p.mu.Unlock()
				for _, k := range keys {
					onUpdate(types.Quote{InstrumentKey: k, LTP: spot, UpdatedAt: time.Now()})
				}
			}
		}
	}()
	return nil
}

// RefreshToken is a no-op in paper mode: tokens never expire.
func (p *PaperRPC) RefreshToken(ctx context.Context, refreshToken string) (string, string, time.Duration, error) {
	return "paper-access-token", refreshToken, 24 * time.Hour, nil
}
