// Package utils provides numeric and ID helpers shared across the control plane.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique hex ID with an optional prefix.
func GenerateID(prefix string) string {
	b := make([]byte, 16)
	rand.Read(b)
	id := hex.EncodeToString(b)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateTradeID generates a unique trade ID, e.g. "VG_<hex>".
func GenerateTradeID() string { return GenerateID("VG") }

// GenerateOrderID generates a unique client order ID.
func GenerateOrderID() string { return GenerateID("ord") }

// RoundToTickSize rounds a price down to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// CalculatePercentageChange returns (new-old)/old * 100, zero if old is zero.
func CalculatePercentageChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}

// CalculateReturns returns log-free simple returns from a price series.
func CalculateReturns(prices []decimal.Decimal) []decimal.Decimal {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]decimal.Decimal, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1].IsZero() {
			returns[i-1] = decimal.Zero
			continue
		}
		returns[i-1] = prices[i].Sub(prices[i-1]).Div(prices[i-1])
	}
	return returns
}

// CalculateLogReturns returns ln(p[i]/p[i-1]) for each consecutive pair.
func CalculateLogReturns(prices []decimal.Decimal) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		p0 := prices[i-1].InexactFloat64()
		p1 := prices[i].InexactFloat64()
		if p0 <= 0 {
			returns[i-1] = 0
			continue
		}
		returns[i-1] = math.Log(p1 / p0)
	}
	return returns
}

// CalculateMean computes the arithmetic mean of decimal values.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev computes the sample standard deviation of decimal values.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := CalculateMean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// StdDevFloat64 computes the population standard deviation of a float slice.
func StdDevFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// MeanFloat64 computes the arithmetic mean of a float slice.
func MeanFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CalculateMaxDrawdown computes peak-to-trough drawdown over an equity curve.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	maxDrawdown := decimal.Zero
	peak := equity[0]
	for _, v := range equity {
		if v.GreaterThan(peak) {
			peak = v
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(v).Div(peak)
		if dd.GreaterThan(maxDrawdown) {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// CalculateWinRate returns the fraction of positive PnL entries.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// ParseTimeRange parses strings like "7d", "60m", "1h" into a Duration.
func ParseTimeRange(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid time range: %s", s)
	}
	value := 0
	for i, c := range s {
		if c >= '0' && c <= '9' {
			value = value*10 + int(c-'0')
			continue
		}
		unit := s[i:]
		switch unit {
		case "s", "sec", "second", "seconds":
			return time.Duration(value) * time.Second, nil
		case "m", "min", "minute", "minutes":
			return time.Duration(value) * time.Minute, nil
		case "h", "hr", "hour", "hours":
			return time.Duration(value) * time.Hour, nil
		case "d", "day", "days":
			return time.Duration(value) * 24 * time.Hour, nil
		default:
			return 0, fmt.Errorf("unknown time unit: %s", unit)
		}
	}
	return 0, fmt.Errorf("invalid time range: %s", s)
}

// MinDecimal returns the lesser of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the greater of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps value into [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// SMA is a simple moving average over a fixed trailing window.
type SMA struct {
	period int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates an SMA calculator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]decimal.Decimal, 0, period)}
}

// Add appends a value and returns the updated SMA.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	s.sum = s.sum.Add(value)
	if len(s.values) > s.period {
		s.sum = s.sum.Sub(s.values[0])
		s.values = s.values[1:]
	}
	return s.Current()
}

// Current returns the SMA's current value.
func (s *SMA) Current() decimal.Decimal {
	if len(s.values) == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}
