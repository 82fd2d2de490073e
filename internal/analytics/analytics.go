// Package analytics computes VolMetrics, StructMetrics, and EdgeMetrics from
// price/chain history (C3). These are pure functions: no broker or cache
// dependency. The GARCH(1,1), Parkinson, and percentile-rank estimators have
// no off-the-shelf library counterpart anywhere in the example pack, so they
// are implemented directly against the standard library (see DESIGN.md).
package analytics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
	"github.com/volguard/controlplane/pkg/utils"
)

// MinHistoryDays is the minimum history length analytics requires; below
// this, computeVol is a hard failure (spec.md §4.3).
const MinHistoryDays = 252

// ErrInsufficientHistory is returned when fewer than MinHistoryDays candles
// are supplied.
type ErrInsufficientHistory struct{ Got int }

func (e *ErrInsufficientHistory) Error() string {
	return "analytics: insufficient history"
}

// ComputeVol computes VolMetrics from Nifty and VIX history plus live spot.
func ComputeVol(historyNifty, historyVIX []types.Candle, liveSpot, liveVIX decimal.Decimal) (types.VolMetrics, error) {
	if len(historyNifty) < MinHistoryDays {
		return types.VolMetrics{}, &ErrInsufficientHistory{Got: len(historyNifty)}
	}

	fallback := false
	spot := liveSpot
	if spot.IsZero() {
		spot = historyNifty[len(historyNifty)-1].Close
		fallback = true
	}
	vix := liveVIX
	if vix.IsZero() {
		if len(historyVIX) > 0 {
			vix = historyVIX[len(historyVIX)-1].Close
		}
		fallback = true
	}

	closes := closesOf(historyNifty)

	rv7 := realizedVol(closes, 7)
	rv28 := realizedVol(closes, 28)
	rv90 := realizedVol(closes, 90)

	pk7 := parkinsonVol(historyNifty, 7)
	pk28 := parkinsonVol(historyNifty, 28)

	garch7 := garchForecast(closes, 7, rv7)
	garch28 := garchForecast(closes, 28, rv28)

	vix5dChange := decimal.Zero
	if len(historyVIX) >= 6 {
		prior := historyVIX[len(historyVIX)-6].Close
		if !prior.IsZero() {
			vix5dChange = vix.Sub(prior).Div(prior).Mul(decimal.NewFromInt(100))
		}
	}

	vov := rollingVoV(closes, 28)
	vovZ := vovZScore(closes, 28, 60)

	ivp30 := percentileRank(vixSeries(historyVIX, 30), vix)
	ivp90 := percentileRank(vixSeries(historyVIX, 90), vix)
	ivp252 := percentileRank(vixSeries(historyVIX, 252), vix)

	ma20 := utils.CalculateMean(lastN(closes, 20))
	atr14 := atr(historyNifty, 14)

	vm := classifyVIXMomentum(vix5dChange)

	return types.VolMetrics{
		RV7: rv7, RV28: rv28, RV90: rv90,
		GARCH7: garch7, GARCH28: garch28,
		Parkinson7: pk7, Parkinson28: pk28,
		VIX: vix, VIX5DChange: vix5dChange,
		VoV: vov, VoVZScore: vovZ,
		IVP30: ivp30, IVP90: ivp90, IVP252: ivp252,
		MA20: ma20, ATR14: atr14,
		VolRegimeLabel: classifyVolRegime(ivp252),
		VIXMomentum:    vm,
		Fallback:       fallback,
	}, nil
}

func closesOf(candles []types.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func lastN(vals []decimal.Decimal, n int) []decimal.Decimal {
	if len(vals) <= n {
		return vals
	}
	return vals[len(vals)-n:]
}

// realizedVol computes stdev of log returns over the trailing window,
// annualized by sqrt(252).
func realizedVol(closes []decimal.Decimal, window int) decimal.Decimal {
	series := lastN(closes, window+1)
	logReturns := utils.CalculateLogReturns(series)
	if len(logReturns) == 0 {
		return decimal.Zero
	}
	sd := utils.StdDevFloat64(logReturns)
	return decimal.NewFromFloat(sd * math.Sqrt(252))
}

// parkinsonVol implements sqrt( 1/(4 ln2) * mean(ln(H/L)^2) ) * sqrt(252).
func parkinsonVol(candles []types.Candle, window int) decimal.Decimal {
	series := candles
	if len(series) > window {
		series = series[len(series)-window:]
	}
	if len(series) == 0 {
		return decimal.Zero
	}
	var sum float64
	for _, c := range series {
		h := c.High.InexactFloat64()
		l := c.Low.InexactFloat64()
		if l <= 0 || h <= 0 {
			continue
		}
		lr := math.Log(h / l)
		sum += lr * lr
	}
	mean := sum / float64(len(series))
	const invFourLn2 = 1.0 / (4.0 * math.Ln2)
	return decimal.NewFromFloat(math.Sqrt(invFourLn2*mean) * math.Sqrt(252))
}

// garchForecast fits a GARCH(1,1) on the trailing 252 returns (scaled x100);
// on convergence failure, substitutes realized vol of the same window per
// spec.md §4.3.
func garchForecast(closes []decimal.Decimal, window int, fallbackRV decimal.Decimal) decimal.Decimal {
	series := lastN(closes, MinHistoryDays+1)
	logReturns := utils.CalculateLogReturns(series)
	if len(logReturns) < 30 {
		return fallbackRV
	}
	scaled := make([]float64, len(logReturns))
	for i, r := range logReturns {
		scaled[i] = r * 100
	}

	omega, alpha, beta, ok := fitGARCH11(scaled)
	if !ok {
		return fallbackRV
	}

	// Forecast conditional variance `window` steps ahead, starting from the
	// population variance of the scaled return series, then annualize back
	// to the same units as RV.
	variance := utils.StdDevFloat64(scaled)
	variance *= variance
	longRunVar := omega / (1 - alpha - beta)
	for i := 0; i < window; i++ {
		variance = omega + (alpha+beta)*variance
	}
	_ = longRunVar
	annualizedPct := math.Sqrt(variance*252) / 100
	return decimal.NewFromFloat(annualizedPct)
}

// fitGARCH11 is a simplified method-of-moments GARCH(1,1) fit: it avoids a
// full numerical MLE (no optimization library is in the example pack) and
// instead derives parameters from sample variance and lag-1 autocorrelation
// of squared returns, which is the standard closed-form starting estimate
// for GARCH(1,1). Returns ok=false when the implied persistence is
// non-stationary (alpha+beta >= 1), signaling the caller to fall back to RV.
func fitGARCH11(scaledReturns []float64) (omega, alpha, beta float64, ok bool) {
	n := len(scaledReturns)
	if n < 30 {
		return 0, 0, 0, false
	}
	sq := make([]float64, n)
	for i, r := range scaledReturns {
		sq[i] = r * r
	}
	meanSq := utils.MeanFloat64(sq)
	if meanSq == 0 {
		return 0, 0, 0, false
	}

	var num, den float64
	for i := 1; i < n; i++ {
		num += (sq[i-1] - meanSq) * (sq[i] - meanSq)
		den += (sq[i-1] - meanSq) * (sq[i-1] - meanSq)
	}
	if den == 0 {
		return 0, 0, 0, false
	}
	persistence := num / den
	if persistence < 0 {
		persistence = 0
	}
	alpha = 0.1
	beta = persistence - alpha
	if beta < 0 {
		beta = 0
	}
	if alpha+beta >= 1 {
		return 0, 0, 0, false
	}
	omega = meanSq * (1 - alpha - beta)
	if omega <= 0 {
		return 0, 0, 0, false
	}
	return omega, alpha, beta, true
}

// rollingVoV is the "volatility of volatility": stdev of the trailing
// realized-vol series sampled day over day within the window.
func rollingVoV(closes []decimal.Decimal, window int) decimal.Decimal {
	series := lastN(closes, window+10)
	if len(series) < 11 {
		return decimal.Zero
	}
	var vols []decimal.Decimal
	for i := 10; i < len(series); i++ {
		vols = append(vols, realizedVol(series[:i+1], 10))
	}
	return utils.CalculateStdDev(vols)
}

// vovZScore is (vov - rolling-60 mean) / rolling-60 stdev.
func vovZScore(closes []decimal.Decimal, vovWindow, baseline int) decimal.Decimal {
	series := lastN(closes, vovWindow+baseline+10)
	var vovSeries []decimal.Decimal
	for i := vovWindow + 10; i <= len(series); i++ {
		vovSeries = append(vovSeries, rollingVoV(series[:i], vovWindow))
	}
	if len(vovSeries) == 0 {
		return decimal.Zero
	}
	current := vovSeries[len(vovSeries)-1]
	base := lastN(vovSeries, baseline)
	mean := utils.CalculateMean(base)
	sd := utils.CalculateStdDev(base)
	if sd.IsZero() {
		return decimal.Zero
	}
	return current.Sub(mean).Div(sd)
}

func vixSeries(history []types.Candle, window int) []decimal.Decimal {
	return lastN(closesOf(history), window)
}

// percentileRank returns the percentage (0-100) of the window strictly below
// current, i.e. implied-volatility percentile.
func percentileRank(window []decimal.Decimal, current decimal.Decimal) decimal.Decimal {
	if len(window) == 0 {
		return decimal.Zero
	}
	below := 0
	for _, v := range window {
		if v.LessThan(current) {
			below++
		}
	}
	return decimal.NewFromInt(int64(below)).Div(decimal.NewFromInt(int64(len(window)))).Mul(decimal.NewFromInt(100))
}

func atr(candles []types.Candle, window int) decimal.Decimal {
	series := candles
	if len(series) > window+1 {
		series = series[len(series)-(window+1):]
	}
	if len(series) < 2 {
		return decimal.Zero
	}
	var trueRanges []decimal.Decimal
	for i := 1; i < len(series); i++ {
		h, l, pc := series[i].High, series[i].Low, series[i-1].Close
		tr := utils.MaxDecimal(h.Sub(l), utils.MaxDecimal(h.Sub(pc).Abs(), l.Sub(pc).Abs()))
		trueRanges = append(trueRanges, tr)
	}
	return utils.CalculateMean(trueRanges)
}

func classifyVolRegime(ivp252 decimal.Decimal) string {
	switch {
	case ivp252.GreaterThan(decimal.NewFromInt(75)):
		return "RICH"
	case ivp252.LessThan(decimal.NewFromInt(25)):
		return "CHEAP"
	default:
		return "NORMAL"
	}
}

func classifyVIXMomentum(vix5dChange decimal.Decimal) types.VIXMomentum {
	switch {
	case vix5dChange.GreaterThan(decimal.NewFromInt(5)):
		return types.VIXMomentumExplosiveUp
	case vix5dChange.LessThan(decimal.NewFromInt(-5)):
		return types.VIXMomentumCollapsing
	default:
		return types.VIXMomentumNeutral
	}
}

// ComputeStruct computes StructMetrics from an option chain snapshot.
func ComputeStruct(chain []types.ChainRow, spot decimal.Decimal, lotSize int64) types.StructMetrics {
	var netGEX decimal.Decimal
	var maxAbsGEX decimal.Decimal
	var maxGEXStrike decimal.Decimal
	var totalCallOI, totalPutOI int64
	var atmCallOI, atmPutOI int64
	var maxPainStrike decimal.Decimal
	minPayout := decimal.NewFromInt(-1)

	spotF := spot

	for _, row := range chain {
		callContribution := decimal.NewFromInt(row.Call.OI).Mul(row.Call.Gamma).Mul(spot).Mul(spot).Mul(decimal.NewFromFloat(0.01))
		putContribution := decimal.NewFromInt(row.Put.OI).Mul(row.Put.Gamma).Mul(spot).Mul(spot).Mul(decimal.NewFromFloat(0.01))
		strikeGEX := callContribution.Sub(putContribution)
		netGEX = netGEX.Add(strikeGEX)

		if strikeGEX.Abs().GreaterThan(maxAbsGEX) {
			maxAbsGEX = strikeGEX.Abs()
			maxGEXStrike = row.Strike
		}

		totalCallOI += row.Call.OI
		totalPutOI += row.Put.OI

		if row.Strike.Sub(spotF).Abs().Div(spotF).LessThanOrEqual(decimal.NewFromFloat(0.02)) {
			atmCallOI += row.Call.OI
			atmPutOI += row.Put.OI
		}

		payout := maxPainPayout(chain, row.Strike, lotSize)
		if minPayout.IsNegative() || payout.LessThan(minPayout) {
			minPayout = payout
			maxPainStrike = row.Strike
		}
	}

	gexRatio := decimal.Zero
	if !spot.IsZero() {
		gexRatio = netGEX.Abs().Div(spot.Mul(spot))
	}
	gexRegime := types.GEXRegimeSlippery
	if gexRatio.GreaterThan(decimal.NewFromFloat(0.03)) {
		gexRegime = types.GEXRegimeSticky
	}

	pcrTotal := decimal.Zero
	if totalCallOI != 0 {
		pcrTotal = decimal.NewFromInt(totalPutOI).Div(decimal.NewFromInt(totalCallOI))
	}
	pcrAtm := decimal.Zero
	if atmCallOI != 0 {
		pcrAtm = decimal.NewFromInt(atmPutOI).Div(decimal.NewFromInt(atmCallOI))
	}

	skew := skew25Delta(chain)
	skewRegime := classifySkew(skew)

	atmIV := atmImpliedVol(chain, spot)

	return types.StructMetrics{
		NetGEX:       netGEX,
		MaxGEXStrike: maxGEXStrike,
		GEXRatio:     gexRatio,
		PCRTotal:     pcrTotal,
		PCRAtm:       pcrAtm,
		Skew25Delta:  skew,
		MaxPain:      maxPainStrike,
		ATMIV:        atmIV,
		GEXRegime:    gexRegime,
		SkewRegime:   skewRegime,
	}
}

// maxPainPayout is the total cash outflow option writers face if expiry
// settles at candidateStrike, summed over every strike in the chain.
func maxPainPayout(chain []types.ChainRow, candidateStrike decimal.Decimal, lotSize int64) decimal.Decimal {
	total := decimal.Zero
	lot := decimal.NewFromInt(lotSize)
	for _, row := range chain {
		if candidateStrike.GreaterThan(row.Strike) {
			total = total.Add(candidateStrike.Sub(row.Strike).Mul(decimal.NewFromInt(row.Call.OI)).Mul(lot))
		}
		if candidateStrike.LessThan(row.Strike) {
			total = total.Add(row.Strike.Sub(candidateStrike).Mul(decimal.NewFromInt(row.Put.OI)).Mul(lot))
		}
	}
	return total
}

// skew25Delta finds the OTM put and call whose |delta| is closest to 0.25
// within (0.20, 0.30), and returns putIV - callIV. Falls back to 0 when
// either side has no liquid candidate (OI < 1000 or LTP <= 0.1).
func skew25Delta(chain []types.ChainRow) decimal.Decimal {
	var bestPut, bestCall *types.Quote
	bestPutDist := decimal.NewFromInt(1)
	bestCallDist := decimal.NewFromInt(1)

	for i := range chain {
		row := chain[i]
		put := row.Put
		absDelta := put.Delta.Abs()
		if absDelta.GreaterThan(decimal.NewFromFloat(0.20)) && absDelta.LessThan(decimal.NewFromFloat(0.30)) &&
			put.OI >= 1000 && put.LTP.GreaterThan(decimal.NewFromFloat(0.1)) {
			dist := absDelta.Sub(decimal.NewFromFloat(0.25)).Abs()
			if dist.LessThan(bestPutDist) {
				bestPutDist = dist
				bestPut = &chain[i].Put
			}
		}

		call := row.Call
		absCallDelta := call.Delta.Abs()
		if absCallDelta.GreaterThan(decimal.NewFromFloat(0.20)) && absCallDelta.LessThan(decimal.NewFromFloat(0.30)) &&
			call.OI >= 1000 && call.LTP.GreaterThan(decimal.NewFromFloat(0.1)) {
			dist := absCallDelta.Sub(decimal.NewFromFloat(0.25)).Abs()
			if dist.LessThan(bestCallDist) {
				bestCallDist = dist
				bestCall = &chain[i].Call
			}
		}
	}

	if bestPut == nil || bestCall == nil {
		return decimal.Zero
	}
	return bestPut.IV.Sub(bestCall.IV)
}

func classifySkew(skew decimal.Decimal) types.SkewRegime {
	// Open question resolved per spec.md §9: SKEW_CRASH_FEAR=3.0, SKEW_MELT_UP=-1.0.
	const skewCrashFear = 3.0
	const skewMeltUp = -1.0
	switch {
	case skew.GreaterThan(decimal.NewFromFloat(skewCrashFear)):
		return types.SkewCrashFear
	case skew.LessThan(decimal.NewFromFloat(skewMeltUp)):
		return types.SkewMeltUp
	default:
		return types.SkewBalanced
	}
}

func atmImpliedVol(chain []types.ChainRow, spot decimal.Decimal) decimal.Decimal {
	if len(chain) == 0 {
		return decimal.Zero
	}
	byDistance := append([]types.ChainRow(nil), chain...)
	sort.Slice(byDistance, func(i, j int) bool {
		return byDistance[i].Strike.Sub(spot).Abs().LessThan(byDistance[j].Strike.Sub(spot).Abs())
	})
	atm := byDistance[0]
	return atm.Call.IV.Add(atm.Put.IV).Div(decimal.NewFromInt(2))
}

// dteWeight is the weight table for VRP weighting, monotonically
// non-decreasing in DTE per spec.md §8.
func dteWeight(dte int) decimal.Decimal {
	switch {
	case dte <= 1:
		return decimal.NewFromFloat(0.3)
	case dte <= 2:
		return decimal.NewFromFloat(0.5)
	case dte <= 7:
		return decimal.NewFromFloat(0.8)
	default:
		return decimal.NewFromInt(1)
	}
}

// ComputeEdge computes EdgeMetrics from VolMetrics and each expiry bucket's DTE.
func ComputeEdge(vol types.VolMetrics, dteWeekly, dteMonthly, dteNextWeekly int) types.EdgeMetrics {
	vrp := vol.VIX.Sub(vol.RV28)

	weightedWeekly := vrp.Mul(dteWeight(dteWeekly))
	weightedMonthly := vrp.Mul(dteWeight(dteMonthly))
	weightedNext := vrp.Mul(dteWeight(dteNextWeekly))

	termEdge := vol.GARCH7.Sub(vol.GARCH28)

	smart := map[types.ExpiryKind]string{
		types.ExpiryWeekly:     smartLabel(weightedWeekly),
		types.ExpiryMonthly:    smartLabel(weightedMonthly),
		types.ExpiryNextWeekly: smartLabel(weightedNext),
	}

	return types.EdgeMetrics{
		VRP:                 vrp,
		WeightedVRPWeekly:   weightedWeekly,
		WeightedVRPMonthly:  weightedMonthly,
		WeightedVRPNextWeek: weightedNext,
		TermStructureEdge:   termEdge,
		SmartExpiry:         smart,
	}
}

func smartLabel(weightedVRP decimal.Decimal) string {
	switch {
	case weightedVRP.GreaterThan(decimal.NewFromInt(5)):
		return "RICH_EDGE"
	case weightedVRP.LessThan(decimal.NewFromInt(-2)):
		return "NEGATIVE_EDGE"
	default:
		return "NEUTRAL_EDGE"
	}
}
