// Package regime computes the dynamic sub-score weights, the four
// sub-scores, the composite/stability/confidence bucket, and the resulting
// TradingMandate (C5). The rule tables below are transcribed verbatim from
// the scoring design; reimplementers must preserve every threshold exactly.
package regime

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

// Inputs bundles everything the scorer needs for one expiry bucket.
type Inputs struct {
	Vol       types.VolMetrics
	Struct    types.StructMetrics
	Edge      types.EdgeMetrics
	DTE       int
	FIINet    decimal.Decimal
	HighImpactEventCount int
	VetoEventCount       int
}

var baseWeights = types.Weights{
	Vol:    decimal.NewFromFloat(0.40),
	Struct: decimal.NewFromFloat(0.30),
	Edge:   decimal.NewFromFloat(0.20),
	Risk:   decimal.NewFromFloat(0.10),
}

var altWeightSets = []types.Weights{
	{Vol: decimal.NewFromFloat(0.30), Struct: decimal.NewFromFloat(0.35), Edge: decimal.NewFromFloat(0.25), Risk: decimal.NewFromFloat(0.10)},
	{Vol: decimal.NewFromFloat(0.50), Struct: decimal.NewFromFloat(0.25), Edge: decimal.NewFromFloat(0.15), Risk: decimal.NewFromFloat(0.10)},
	{Vol: decimal.NewFromFloat(0.35), Struct: decimal.NewFromFloat(0.30), Edge: decimal.NewFromFloat(0.25), Risk: decimal.NewFromFloat(0.10)},
}

// DynamicWeights applies the regime's weight-adjustment rules in order, then
// renormalizes to sum 1.
func DynamicWeights(in Inputs) types.Weights {
	w := baseWeights

	switch {
	case in.Vol.VoVZScore.GreaterThan(decimal.NewFromFloat(2.5)):
		w = types.Weights{Vol: decimal.NewFromFloat(0.50), Struct: decimal.NewFromFloat(0.25), Edge: decimal.NewFromFloat(0.15), Risk: decimal.NewFromFloat(0.10)}
	case in.Vol.VoVZScore.GreaterThan(decimal.NewFromFloat(2.0)):
		w = types.Weights{Vol: decimal.NewFromFloat(0.45), Struct: decimal.NewFromFloat(0.28), Edge: decimal.NewFromFloat(0.17), Risk: decimal.NewFromFloat(0.10)}
	case in.Vol.IVP252.GreaterThan(decimal.NewFromInt(75)):
		w = types.Weights{Vol: decimal.NewFromFloat(0.35), Struct: decimal.NewFromFloat(0.35), Edge: decimal.NewFromFloat(0.20), Risk: decimal.NewFromFloat(0.10)}
	case in.Vol.IVP252.LessThan(decimal.NewFromInt(25)):
		w = types.Weights{Vol: decimal.NewFromFloat(0.30), Struct: decimal.NewFromFloat(0.30), Edge: decimal.NewFromFloat(0.30), Risk: decimal.NewFromFloat(0.10)}
	}

	if in.Vol.VIXMomentum == types.VIXMomentumExplosiveUp {
		w.Vol = w.Vol.Add(decimal.NewFromFloat(0.05))
		w.Edge = w.Edge.Sub(decimal.NewFromFloat(0.05))
	} else if in.Vol.VIXMomentum == types.VIXMomentumCollapsing {
		w.Vol = w.Vol.Sub(decimal.NewFromFloat(0.05))
		w.Edge = w.Edge.Add(decimal.NewFromFloat(0.05))
	}

	if in.Struct.GEXRegime == types.GEXRegimeSticky {
		w.Struct = w.Struct.Add(decimal.NewFromFloat(0.05))
		w.Vol = w.Vol.Sub(decimal.NewFromFloat(0.05))
	} else {
		w.Struct = w.Struct.Sub(decimal.NewFromFloat(0.05))
		w.Vol = w.Vol.Add(decimal.NewFromFloat(0.05))
	}

	if in.DTE <= 1 {
		w.Struct = w.Struct.Add(decimal.NewFromFloat(0.10))
		w.Edge = w.Edge.Sub(decimal.NewFromFloat(0.05))
		w.Risk = w.Risk.Sub(decimal.NewFromFloat(0.05))
	}

	if in.FIINet.Abs().GreaterThan(decimal.NewFromInt(50000)) {
		w.Risk = w.Risk.Add(decimal.NewFromFloat(0.05))
		w.Edge = w.Edge.Sub(decimal.NewFromFloat(0.05))
	}

	return renormalize(w)
}

func renormalize(w types.Weights) types.Weights {
	sum := w.Sum()
	if sum.IsZero() {
		return baseWeights
	}
	return types.Weights{
		Vol:    w.Vol.Div(sum),
		Struct: w.Struct.Div(sum),
		Edge:   w.Edge.Div(sum),
		Risk:   w.Risk.Div(sum),
	}
}

func clamp(v decimal.Decimal) decimal.Decimal {
	zero, ten := decimal.Zero, decimal.NewFromInt(10)
	if v.LessThan(zero) {
		return zero
	}
	if v.GreaterThan(ten) {
		return ten
	}
	return v
}

// VolScore computes the volatility sub-score (starts at 5.0).
func VolScore(in Inputs) decimal.Decimal {
	s := decimal.NewFromFloat(5.0)

	switch {
	case in.Vol.VoVZScore.GreaterThan(decimal.NewFromFloat(2.5)):
		s = decimal.Zero
	case in.Vol.VoVZScore.GreaterThan(decimal.NewFromFloat(2.0)):
		s = s.Sub(decimal.NewFromFloat(3))
	case in.Vol.VoVZScore.LessThan(decimal.NewFromFloat(1.5)):
		s = s.Add(decimal.NewFromFloat(1.5))
	}

	vixFalling := in.Vol.VIX5DChange.LessThan(decimal.Zero)
	vixRising := in.Vol.VIX5DChange.GreaterThan(decimal.Zero)
	switch {
	case in.Vol.IVP252.GreaterThan(decimal.NewFromInt(75)) && vixFalling:
		s = s.Add(decimal.NewFromFloat(1.5))
	case in.Vol.IVP252.GreaterThan(decimal.NewFromInt(75)) && vixRising:
		s = s.Sub(decimal.NewFromInt(1))
	case in.Vol.IVP252.GreaterThan(decimal.NewFromInt(75)):
		s = s.Add(decimal.NewFromFloat(0.5))
	case in.Vol.IVP252.LessThan(decimal.NewFromInt(25)):
		s = s.Sub(decimal.NewFromFloat(2.5))
	default:
		s = s.Add(decimal.NewFromInt(1))
	}

	switch in.Vol.VIXMomentum {
	case types.VIXMomentumExplosiveUp:
		s = s.Sub(decimal.NewFromInt(2))
	case types.VIXMomentumCollapsing:
		s = s.Add(decimal.NewFromInt(1))
	}

	if in.Vol.GARCH28.GreaterThan(in.Vol.RV28.Mul(decimal.NewFromFloat(1.2))) {
		s = s.Add(decimal.NewFromFloat(0.5))
	}

	return clamp(s)
}

// StructScore computes the structural sub-score (starts at 5.0).
func StructScore(in Inputs, spot decimal.Decimal) decimal.Decimal {
	s := decimal.NewFromFloat(5.0)

	if in.Struct.GEXRegime == types.GEXRegimeSticky {
		s = s.Add(decimal.NewFromFloat(2.5))
	} else {
		s = s.Sub(decimal.NewFromInt(1))
	}

	switch {
	case in.Struct.PCRAtm.GreaterThan(decimal.NewFromFloat(0.9)) && in.Struct.PCRAtm.LessThan(decimal.NewFromFloat(1.1)):
		s = s.Add(decimal.NewFromFloat(1.5))
	case in.Struct.PCRAtm.GreaterThan(decimal.NewFromFloat(1.3)):
		s = s.Add(decimal.NewFromFloat(0.5))
	case in.Struct.PCRAtm.LessThan(decimal.NewFromFloat(0.7)):
		s = s.Sub(decimal.NewFromFloat(0.5))
	}

	switch in.Struct.SkewRegime {
	case types.SkewCrashFear:
		s = s.Sub(decimal.NewFromInt(1))
	case types.SkewMeltUp:
		s = s.Sub(decimal.NewFromFloat(0.5))
	case types.SkewBalanced:
		s = s.Add(decimal.NewFromFloat(0.5))
	}

	if !spot.IsZero() && in.Struct.MaxPain.Sub(spot).Abs().Div(spot).LessThan(decimal.NewFromFloat(0.01)) {
		s = s.Add(decimal.NewFromInt(1))
	}

	return clamp(s)
}

// EdgeScore computes the edge sub-score (starts at 5.0).
func EdgeScore(in Inputs) decimal.Decimal {
	s := decimal.NewFromFloat(5.0)

	switch {
	case in.Edge.WeightedVRPMonthly.GreaterThan(decimal.NewFromInt(5)):
		s = s.Add(decimal.NewFromInt(3))
	case in.Edge.WeightedVRPMonthly.GreaterThan(decimal.NewFromInt(2)):
		s = s.Add(decimal.NewFromFloat(1.5))
	case in.Edge.WeightedVRPMonthly.LessThan(decimal.NewFromInt(-2)):
		s = s.Sub(decimal.NewFromInt(2))
	default:
		s = s.Add(decimal.NewFromFloat(0.5))
	}

	switch {
	case in.Edge.TermStructureEdge.LessThan(decimal.NewFromInt(-2)):
		s = s.Sub(decimal.NewFromInt(1))
	case in.Edge.TermStructureEdge.GreaterThan(decimal.NewFromInt(2)):
		s = s.Add(decimal.NewFromFloat(0.5))
	}

	return clamp(s)
}

// RiskScore computes the risk sub-score (starts at 5.0).
func RiskScore(in Inputs) decimal.Decimal {
	s := decimal.NewFromFloat(5.0)

	switch {
	case in.FIINet.GreaterThan(decimal.NewFromInt(50000)):
		s = s.Add(decimal.NewFromInt(1))
	case in.FIINet.LessThan(decimal.NewFromInt(-50000)):
		s = s.Sub(decimal.NewFromInt(1))
	case in.FIINet.Abs().GreaterThan(decimal.NewFromInt(20000)):
		if in.FIINet.IsPositive() {
			s = s.Add(decimal.NewFromFloat(0.5))
		} else {
			s = s.Sub(decimal.NewFromFloat(0.5))
		}
	}

	penalty := decimal.NewFromFloat(0.5).Mul(decimal.NewFromInt(int64(in.HighImpactEventCount)))
	cap := decimal.NewFromInt(2)
	if penalty.GreaterThan(cap) {
		penalty = cap
	}
	s = s.Sub(penalty)

	return clamp(s)
}

// Score computes the full Score for one expiry bucket.
func Score(in Inputs, spot decimal.Decimal) types.Score {
	w := DynamicWeights(in)
	vol := VolScore(in)
	str := StructScore(in, spot)
	edge := EdgeScore(in)
	risk := RiskScore(in)

	composite := vol.Mul(w.Vol).Add(str.Mul(w.Struct)).Add(edge.Mul(w.Edge)).Add(risk.Mul(w.Risk))

	var composites []decimal.Decimal
	for _, alt := range altWeightSets {
		c := vol.Mul(alt.Vol).Add(str.Mul(alt.Struct)).Add(edge.Mul(alt.Edge)).Add(risk.Mul(alt.Risk))
		composites = append(composites, c)
	}
	mean := meanOf(composites)
	stability := decimal.NewFromInt(1)
	if !mean.IsZero() {
		stability = decimal.NewFromInt(1).Sub(stdevOf(composites, mean).Div(mean))
	}

	confidence := confidenceBucket(composite, stability)

	return types.Score{
		Vol: vol, Struct: str, Edge: edge, Risk: risk,
		Weights:        w,
		Composite:      composite,
		Confidence:     confidence,
		StabilityScore: stability,
	}
}

func meanOf(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals))))
}

func stdevOf(vals []decimal.Decimal, mean decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sumSq := decimal.Zero
	for _, v := range vals {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(vals))))
	f, _ := variance.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}

func confidenceBucket(composite, stability decimal.Decimal) types.Confidence {
	switch {
	case composite.GreaterThanOrEqual(decimal.NewFromInt(8)) && stability.GreaterThan(decimal.NewFromFloat(0.85)):
		return types.ConfidenceVeryHigh
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(6.5)) && stability.GreaterThan(decimal.NewFromFloat(0.75)):
		return types.ConfidenceHigh
	case composite.GreaterThanOrEqual(decimal.NewFromInt(4)):
		return types.ConfidenceModerate
	default:
		return types.ConfidenceLow
	}
}

func isHighOrAbove(c types.Confidence) bool {
	return c == types.ConfidenceHigh || c == types.ConfidenceVeryHigh
}

// SelectStrategy picks a Structure + allocation percentage from a Score,
// DTE, and structural metrics, per the selection table.
func SelectStrategy(score types.Score, in Inputs) (types.Structure, decimal.Decimal, []string) {
	var rationale []string
	composite := score.Composite

	switch {
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(7.5)) && isHighOrAbove(score.Confidence) && in.DTE > 2:
		rationale = append(rationale, "composite>=7.5, confidence high+, DTE>2: IronCondor")
		return types.StructureIronCondor, decimal.NewFromFloat(0.60), rationale
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(7.5)) && isHighOrAbove(score.Confidence):
		rationale = append(rationale, "composite>=7.5, confidence high+, DTE<=2: IronFly (gamma warning)")
		return types.StructureIronFly, decimal.NewFromFloat(0.50), rationale
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(6.0)) && isHighOrAbove(score.Confidence) && in.DTE > 1:
		rationale = append(rationale, "composite>=6.0, confidence high+, DTE>1: IronCondor")
		return types.StructureIronCondor, decimal.NewFromFloat(0.40), rationale
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(6.0)) && isHighOrAbove(score.Confidence):
		rationale = append(rationale, "composite>=6.0, confidence high+: IronFly")
		return types.StructureIronFly, decimal.NewFromFloat(0.35), rationale
	case composite.GreaterThanOrEqual(decimal.NewFromFloat(4.0)):
		switch {
		case in.Struct.PCRAtm.GreaterThan(decimal.NewFromFloat(1.3)):
			rationale = append(rationale, "composite>=4.0, PCR_atm>1.3: directional BullPutSpread")
			return types.StructureBullPutSpread, decimal.NewFromFloat(0.20), rationale
		case in.Struct.PCRAtm.LessThan(decimal.NewFromFloat(0.7)):
			rationale = append(rationale, "composite>=4.0, PCR_atm<0.7: directional BearCallSpread")
			return types.StructureBearCallSpread, decimal.NewFromFloat(0.20), rationale
		default:
			rationale = append(rationale, "composite>=4.0, neutral PCR_atm: CreditSpread")
			return types.StructureCreditSpread, decimal.NewFromFloat(0.20), rationale
		}
	default:
		rationale = append(rationale, "composite<4.0: NoTrade")
		return types.StructureNoTrade, decimal.Zero, rationale
	}
}

// SizeMultiplier returns the multiplicative size adjustment applied after
// strategy selection.
func SizeMultiplier(score types.Score, in Inputs) decimal.Decimal {
	m := decimal.NewFromInt(1)
	if in.Vol.VoVZScore.GreaterThan(decimal.NewFromFloat(2.0)) {
		m = m.Mul(decimal.NewFromFloat(0.7))
	}
	if in.Vol.VIXMomentum == types.VIXMomentumExplosiveUp {
		m = m.Mul(decimal.NewFromFloat(0.6))
	}
	if score.StabilityScore.LessThan(decimal.NewFromFloat(0.75)) {
		m = m.Mul(decimal.NewFromFloat(0.8))
	}
	if in.HighImpactEventCount > 0 {
		m = m.Mul(decimal.NewFromFloat(0.85))
	}
	return m
}

// MarginSellBase approximates per-lot margin for sizing into max_lots when a
// live margin quote is unavailable at mandate-construction time; the Order
// Orchestrator still re-checks true required margin before execution.
const MarginSellBase = 120000

// BuildMandate assembles a complete TradingMandate for one expiry bucket.
func BuildMandate(kind types.ExpiryKind, in Inputs, spot, baseCapital, maxCapitalPerTrade decimal.Decimal) types.TradingMandate {
	score := Score(in, spot)
	structure, allocation, rationale := SelectStrategy(score, in)

	mandate := types.TradingMandate{
		ExpiryKind: kind,
		RegimeName: regimeName(score),
		Structure:  structure,
		Score:      score,
		Rationale:  rationale,
	}

	if in.VetoEventCount > 0 {
		mandate.VetoReasons = append(mandate.VetoReasons, fmt.Sprintf("%d veto event(s) within lookahead window", in.VetoEventCount))
		mandate.Structure = types.StructureNoTrade
		return mandate
	}

	if structure == types.StructureNoTrade {
		return mandate
	}

	sizeMult := SizeMultiplier(score, in)
	effectiveAllocation := allocation.Mul(sizeMult)
	deployment := baseCapital.Mul(effectiveAllocation)
	if deployment.GreaterThan(maxCapitalPerTrade) {
		deployment = maxCapitalPerTrade
		mandate.Warnings = append(mandate.Warnings, "deployment capped at MAX_CAPITAL_PER_TRADE")
	}

	mandate.AllocationPct = effectiveAllocation
	mandate.DeploymentAmount = deployment
	mandate.MaxLots = deployment.Div(decimal.NewFromInt(MarginSellBase)).IntPart()

	switch structure {
	case types.StructureBullPutSpread:
		mandate.DirectionalBias = "BULLISH"
	case types.StructureBearCallSpread:
		mandate.DirectionalBias = "BEARISH"
	default:
		mandate.DirectionalBias = "NEUTRAL"
	}

	return mandate
}

func regimeName(score types.Score) string {
	switch {
	case score.Composite.GreaterThanOrEqual(decimal.NewFromFloat(7.5)):
		return "HIGH_CONVICTION_PREMIUM_SELLING"
	case score.Composite.GreaterThanOrEqual(decimal.NewFromFloat(6.0)):
		return "MODERATE_CONVICTION_PREMIUM_SELLING"
	case score.Composite.GreaterThanOrEqual(decimal.NewFromFloat(4.0)):
		return "DIRECTIONAL_BIAS"
	default:
		return "NO_EDGE"
	}
}
