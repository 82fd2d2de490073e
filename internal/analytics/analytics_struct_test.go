package analytics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestComputeStructDoesNotMutateInputOrder(t *testing.T) {
	chain := []types.ChainRow{
		{Strike: d(22200), LotSize: 75, Call: types.Quote{OI: 100, IV: d(0.12), Delta: d(0.3)}, Put: types.Quote{OI: 100, IV: d(0.14), Delta: d(-0.3)}},
		{Strike: d(21900), LotSize: 75, Call: types.Quote{OI: 100, IV: d(0.13), Delta: d(0.6)}, Put: types.Quote{OI: 100, IV: d(0.15), Delta: d(-0.6)}},
		{Strike: d(22000), LotSize: 75, Call: types.Quote{OI: 100, IV: d(0.11), Delta: d(0.5)}, Put: types.Quote{OI: 100, IV: d(0.13), Delta: d(-0.5)}},
	}
	before := append([]types.ChainRow(nil), chain...)

	ComputeStruct(chain, d(22000), 75)

	for i := range before {
		if !chain[i].Strike.Equal(before[i].Strike) {
			t.Fatalf("ComputeStruct mutated input chain order at index %d: expected %s, got %s", i, before[i].Strike, chain[i].Strike)
		}
	}
}

func TestComputeStructATMIVPicksNearestStrike(t *testing.T) {
	chain := []types.ChainRow{
		{Strike: d(22200), Call: types.Quote{IV: d(0.20)}, Put: types.Quote{IV: d(0.22)}},
		{Strike: d(22000), Call: types.Quote{IV: d(0.10)}, Put: types.Quote{IV: d(0.12)}},
		{Strike: d(21900), Call: types.Quote{IV: d(0.30)}, Put: types.Quote{IV: d(0.32)}},
	}

	got := ComputeStruct(chain, d(22000), 75)
	want := d(0.11) // (0.10 + 0.12) / 2, from the exact-ATM row at strike 22000
	if !got.ATMIV.Equal(want) {
		t.Errorf("expected ATMIV %s, got %s", want, got.ATMIV)
	}
}
