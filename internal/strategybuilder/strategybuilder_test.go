package strategybuilder

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func syntheticChain(spot float64, strikes int, interval float64) []types.ChainRow {
	base := spot - float64(strikes/2)*interval
	rows := make([]types.ChainRow, strikes)
	for i := 0; i < strikes; i++ {
		strike := base + float64(i)*interval
		rows[i] = types.ChainRow{
			Strike:  d(strike),
			LotSize: 75,
			Call: types.Quote{
				LTP: d(50), OI: 5000, Bid: d(49), Ask: d(51),
				Delta: d(0.5 - (strike-spot)/1000), IV: d(0.15),
			},
			Put: types.Quote{
				LTP: d(50), OI: 5000, Bid: d(49), Ask: d(51),
				Delta: d(-0.5 - (strike-spot)/1000), IV: d(0.15),
			},
		}
	}
	return rows
}

func TestBuildIronFlyWingWidensWithHighIVP(t *testing.T) {
	spot := 22000.0
	rows := syntheticChain(spot, 31, 50)
	chain := Chain{Expiry: time.Now().AddDate(0, 0, 7), Rows: rows}
	mandate := types.TradingMandate{Structure: types.StructureIronFly, MaxLots: 1}

	lowIVPLegs := Build(mandate, chain, d(spot), d(10), d(1_000_000))
	highIVPLegs := Build(mandate, chain, d(spot), d(90), d(1_000_000))

	if len(lowIVPLegs) != 4 || len(highIVPLegs) != 4 {
		t.Fatalf("expected 4 legs each, got %d and %d", len(lowIVPLegs), len(highIVPLegs))
	}

	lowWidth := hedgeWidth(lowIVPLegs)
	highWidth := hedgeWidth(highIVPLegs)
	if !highWidth.GreaterThan(lowWidth) {
		t.Errorf("expected high-IVP wing width (%s) to exceed low-IVP width (%s)", highWidth, lowWidth)
	}
}

func hedgeWidth(legs []types.OptionLeg) decimal.Decimal {
	var core, hedge decimal.Decimal
	for _, l := range legs {
		if l.Role == types.LegRoleCore && l.OptionType == types.OptionTypeCall {
			core = l.Strike
		}
		if l.Role == types.LegRoleHedge && l.OptionType == types.OptionTypeCall {
			hedge = l.Strike
		}
	}
	return hedge.Sub(core).Abs()
}

func TestBuildDoesNotMutateChainOrder(t *testing.T) {
	spot := 22000.0
	rows := syntheticChain(spot, 31, 50)
	chain := Chain{Expiry: time.Now().AddDate(0, 0, 7), Rows: rows}
	mandate := types.TradingMandate{Structure: types.StructureIronFly, MaxLots: 1}

	before := append([]types.ChainRow(nil), chain.Rows...)
	Build(mandate, chain, d(spot), d(50), d(1_000_000))

	for i := range before {
		if !chain.Rows[i].Strike.Equal(before[i].Strike) {
			t.Fatalf("chain.Rows order mutated at index %d: expected %s, got %s", i, before[i].Strike, chain.Rows[i].Strike)
		}
	}
}
