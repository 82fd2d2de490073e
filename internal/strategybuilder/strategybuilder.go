// Package strategybuilder turns a TradingMandate plus a live option chain
// into concrete OptionLegs (C6).
package strategybuilder

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

// Chain is a live option-chain snapshot sorted by strike ascending.
type Chain struct {
	Expiry time.Time
	Rows   []types.ChainRow
}

const minLiquidOI = 1000
const minLiquidLTP = 0.1

// Build dispatches to the structure-specific leg builder named by the
// mandate. ivp252 is the IV percentile (0-100) used to scale IronFly wing
// width. Returns nil legs when the structure cannot be built (insufficient
// liquidity, or the computed max loss exceeds maxLossPerTrade).
func Build(mandate types.TradingMandate, chain Chain, spot decimal.Decimal, ivp252 decimal.Decimal, maxLossPerTrade decimal.Decimal) []types.OptionLeg {
	var legs []types.OptionLeg
	switch mandate.Structure {
	case types.StructureIronFly:
		legs = buildIronFly(chain, spot, mandate.MaxLots, ivp252)
	case types.StructureIronCondor:
		legs = buildIronCondor(chain, spot, mandate.ExpiryKind, mandate.MaxLots)
	case types.StructureBullPutSpread:
		legs = buildDirectionalSpread(chain, spot, mandate.MaxLots, types.OptionTypePut, types.StructureBullPutSpread)
	case types.StructureBearCallSpread:
		legs = buildDirectionalSpread(chain, spot, mandate.MaxLots, types.OptionTypeCall, types.StructureBearCallSpread)
	case types.StructureCreditSpread:
		// Neutral credit spread defaults to the put side.
		legs = buildDirectionalSpread(chain, spot, mandate.MaxLots, types.OptionTypePut, types.StructureCreditSpread)
	default:
		return nil
	}
	if len(legs) == 0 {
		return nil
	}
	if maxLossBound(legs, mandate.MaxLots, chain.lotSize()).GreaterThan(maxLossPerTrade) {
		return nil
	}
	return legs
}

func (c Chain) lotSize() int64 {
	if len(c.Rows) == 0 {
		return 0
	}
	return c.Rows[0].LotSize
}

func liquid(q types.Quote) bool {
	return q.OI >= minLiquidOI && q.LTP.GreaterThan(decimal.NewFromFloat(minLiquidLTP))
}

// strikeInterval returns the mode of successive strike differences.
func strikeInterval(rows []types.ChainRow) decimal.Decimal {
	counts := map[string]int{}
	best := decimal.Zero
	bestCount := 0
	for i := 1; i < len(rows); i++ {
		diff := rows[i].Strike.Sub(rows[i-1].Strike)
		key := diff.String()
		counts[key]++
		if counts[key] > bestCount {
			bestCount = counts[key]
			best = diff
		}
	}
	return best
}

func nearestRowIndex(rows []types.ChainRow, strike decimal.Decimal) int {
	best := 0
	bestDist := rows[0].Strike.Sub(strike).Abs()
	for i, r := range rows {
		d := r.Strike.Sub(strike).Abs()
		if d.LessThan(bestDist) {
			bestDist = d
			best = i
		}
	}
	return best
}

// buildIronFly constructs the professional-ATM short straddle with wings.
// Wing width scales off ivp252 (the 1yr IV percentile): >80 widens by 1.4x,
// >50 by 1.1x, <20 narrows to 0.8x, otherwise 1.0x (spec §4.6).
func buildIronFly(chain Chain, spot decimal.Decimal, lots int64, ivp252 decimal.Decimal) []types.OptionLeg {
	rows := chain.Rows
	if len(rows) < 3 {
		return nil
	}
	interval := strikeInterval(rows)
	if interval.IsZero() {
		return nil
	}

	atmIdx := nearestRowIndex(rows, spot)
	candidates := []int{atmIdx}
	if atmIdx > 0 {
		candidates = append(candidates, atmIdx-1)
	}
	if atmIdx < len(rows)-1 {
		candidates = append(candidates, atmIdx+1)
	}

	bestIdx := -1
	bestDiff := decimal.Zero
	for _, idx := range candidates {
		row := rows[idx]
		if !liquid(row.Call) || !liquid(row.Put) {
			continue
		}
		diff := row.Call.LTP.Sub(row.Put.LTP).Abs()
		if bestIdx == -1 || diff.LessThan(bestDiff) {
			bestIdx = idx
			bestDiff = diff
		}
	}
	if bestIdx == -1 {
		return nil
	}

	atm := rows[bestIdx]
	straddleCost := atm.Call.LTP.Add(atm.Put.LTP)

	factor := decimal.NewFromFloat(1.0)
	switch {
	case ivp252.GreaterThan(decimal.NewFromInt(80)):
		factor = decimal.NewFromFloat(1.4)
	case ivp252.GreaterThan(decimal.NewFromInt(50)):
		factor = decimal.NewFromFloat(1.1)
	case ivp252.LessThan(decimal.NewFromInt(20)):
		factor = decimal.NewFromFloat(0.8)
	}

	wingWidth := straddleCost.Mul(factor).Div(interval).Round(0).Mul(interval)
	minWing := interval.Mul(decimal.NewFromInt(2))
	if wingWidth.LessThan(minWing) {
		wingWidth = minWing
	}

	upperStrike := atm.Strike.Add(wingWidth)
	lowerStrike := atm.Strike.Sub(wingWidth)
	upperIdx := nearestRowIndex(rows, upperStrike)
	lowerIdx := nearestRowIndex(rows, lowerStrike)

	lot := rows[0].LotSize
	expiry := chain.Expiry
	return []types.OptionLeg{
		leg(atm.Strike, types.OptionTypeCall, types.LegSideSell, types.LegRoleCore, lots, lot, atm.Call.LTP, expiry),
		leg(atm.Strike, types.OptionTypePut, types.LegSideSell, types.LegRoleCore, lots, lot, atm.Put.LTP, expiry),
		leg(rows[upperIdx].Strike, types.OptionTypeCall, types.LegSideBuy, types.LegRoleHedge, lots, lot, rows[upperIdx].Call.LTP, expiry),
		leg(rows[lowerIdx].Strike, types.OptionTypePut, types.LegSideBuy, types.LegRoleHedge, lots, lot, rows[lowerIdx].Put.LTP, expiry),
	}
}

// buildIronCondor finds short legs by delta target and wings at 0.05 delta.
func buildIronCondor(chain Chain, spot decimal.Decimal, kind types.ExpiryKind, lots int64) []types.OptionLeg {
	rows := chain.Rows
	if len(rows) == 0 {
		return nil
	}
	targetDelta := decimal.NewFromFloat(0.16)
	if kind == types.ExpiryWeekly || kind == types.ExpiryNextWeekly {
		targetDelta = decimal.NewFromFloat(0.20)
	}

	shortCallIdx := findByDeltaTarget(rows, targetDelta, types.OptionTypeCall)
	shortPutIdx := findByDeltaTarget(rows, targetDelta, types.OptionTypePut)
	if shortCallIdx == -1 || shortPutIdx == -1 {
		return nil
	}

	wingDelta := decimal.NewFromFloat(0.05)
	longCallIdx := findByDeltaTarget(rows, wingDelta, types.OptionTypeCall)
	longPutIdx := findByDeltaTarget(rows, wingDelta, types.OptionTypePut)
	if longCallIdx == -1 || longPutIdx == -1 {
		return nil
	}

	lot := rows[0].LotSize
	expiry := chain.Expiry
	return []types.OptionLeg{
		leg(rows[shortCallIdx].Strike, types.OptionTypeCall, types.LegSideSell, types.LegRoleCore, lots, lot, rows[shortCallIdx].Call.LTP, expiry),
		leg(rows[shortPutIdx].Strike, types.OptionTypePut, types.LegSideSell, types.LegRoleCore, lots, lot, rows[shortPutIdx].Put.LTP, expiry),
		leg(rows[longCallIdx].Strike, types.OptionTypeCall, types.LegSideBuy, types.LegRoleHedge, lots, lot, rows[longCallIdx].Call.LTP, expiry),
		leg(rows[longPutIdx].Strike, types.OptionTypePut, types.LegSideBuy, types.LegRoleHedge, lots, lot, rows[longPutIdx].Put.LTP, expiry),
	}
}

// findByDeltaTarget finds, among strikes with OI >= 1000, bid-ask spread
// <= 5% of LTP, and LTP > 0.5, the top-3 nearest-delta candidates to target,
// then returns the most liquid (highest OI) among them.
func findByDeltaTarget(rows []types.ChainRow, target decimal.Decimal, side types.OptionType) int {
	type candidate struct {
		idx  int
		dist decimal.Decimal
		oi   int64
	}
	var candidates []candidate
	for i, row := range rows {
		q := row.Call
		if side == types.OptionTypePut {
			q = row.Put
		}
		if q.OI < minLiquidOI {
			continue
		}
		if q.LTP.LessThanOrEqual(decimal.NewFromFloat(0.5)) {
			continue
		}
		spread := q.Ask.Sub(q.Bid).Abs()
		if !q.LTP.IsZero() && spread.Div(q.LTP).GreaterThan(decimal.NewFromFloat(0.05)) {
			continue
		}
		dist := q.Delta.Abs().Sub(target).Abs()
		candidates = append(candidates, candidate{idx: i, dist: dist, oi: q.OI})
	}
	if len(candidates) == 0 {
		return -1
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist.LessThan(candidates[j].dist) })
	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	best := top[0]
	for _, c := range top[1:] {
		if c.oi > best.oi {
			best = c
		}
	}
	return best.idx
}

// buildDirectionalSpread builds a short/long credit spread at target deltas
// 0.30 short / 0.10 long hedge, on the given option side.
func buildDirectionalSpread(chain Chain, spot decimal.Decimal, lots int64, side types.OptionType, structure types.Structure) []types.OptionLeg {
	rows := chain.Rows
	if len(rows) == 0 {
		return nil
	}
	shortIdx := findByDeltaTarget(rows, decimal.NewFromFloat(0.30), side)
	longIdx := findByDeltaTarget(rows, decimal.NewFromFloat(0.10), side)
	if shortIdx == -1 || longIdx == -1 {
		return nil
	}

	lot := rows[0].LotSize
	expiry := chain.Expiry

	shortQ := rows[shortIdx].Call
	longQ := rows[longIdx].Call
	if side == types.OptionTypePut {
		shortQ = rows[shortIdx].Put
		longQ = rows[longIdx].Put
	}

	return []types.OptionLeg{
		leg(rows[shortIdx].Strike, side, types.LegSideSell, types.LegRoleCore, lots, lot, shortQ.LTP, expiry),
		leg(rows[longIdx].Strike, side, types.LegSideBuy, types.LegRoleHedge, lots, lot, longQ.LTP, expiry),
	}
}

func leg(strike decimal.Decimal, optType types.OptionType, side types.LegSide, role types.LegRole, lots, lotSize int64, ltp decimal.Decimal, expiry time.Time) types.OptionLeg {
	return types.OptionLeg{
		OptionType:     optType,
		Strike:         strike,
		Side:           side,
		Role:           role,
		Quantity:       lots * lotSize,
		LotSize:        lotSize,
		ReferencePrice: ltp,
		Expiry:         expiry,
	}
}

// maxLossBound computes max(call_spread_width, put_spread_width)*lots*lot_size - net_credit.
func maxLossBound(legs []types.OptionLeg, lots int64, lotSize int64) decimal.Decimal {
	var callStrikes, putStrikes []decimal.Decimal
	netCredit := decimal.Zero
	for _, l := range legs {
		if l.OptionType == types.OptionTypeCall {
			callStrikes = append(callStrikes, l.Strike)
		} else {
			putStrikes = append(putStrikes, l.Strike)
		}
		if l.Side == types.LegSideSell {
			netCredit = netCredit.Add(l.ReferencePrice.Mul(decimal.NewFromInt(l.Quantity)))
		} else {
			netCredit = netCredit.Sub(l.ReferencePrice.Mul(decimal.NewFromInt(l.Quantity)))
		}
	}

	callWidth := spreadWidth(callStrikes)
	putWidth := spreadWidth(putStrikes)
	width := callWidth
	if putWidth.GreaterThan(width) {
		width = putWidth
	}

	return width.Mul(decimal.NewFromInt(lots * lotSize)).Sub(netCredit)
}

func spreadWidth(strikes []decimal.Decimal) decimal.Decimal {
	if len(strikes) < 2 {
		return decimal.Zero
	}
	min, max := strikes[0], strikes[0]
	for _, s := range strikes[1:] {
		if s.LessThan(min) {
			min = s
		}
		if s.GreaterThan(max) {
			max = s
		}
	}
	return max.Sub(min)
}
