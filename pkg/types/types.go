// Package types provides shared type definitions for the trading control plane.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType is Call or Put.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// LegSide is the direction of an option leg.
type LegSide string

const (
	LegSideBuy  LegSide = "BUY"
	LegSideSell LegSide = "SELL"
)

// LegRole distinguishes protective hedge legs from premium-selling core legs.
type LegRole string

const (
	LegRoleCore  LegRole = "CORE"
	LegRoleHedge LegRole = "HEDGE"
)

// ExpiryKind is the selected expiry bucket for a trade.
type ExpiryKind string

const (
	ExpiryWeekly     ExpiryKind = "WEEKLY"
	ExpiryMonthly    ExpiryKind = "MONTHLY"
	ExpiryNextWeekly ExpiryKind = "NEXT_WEEKLY"
)

// Structure is the multi-leg strategy shape chosen by the regime engine.
type Structure string

const (
	StructureIronFly        Structure = "IRON_FLY"
	StructureIronCondor     Structure = "IRON_CONDOR"
	StructureBullPutSpread  Structure = "BULL_PUT_SPREAD"
	StructureBearCallSpread Structure = "BEAR_CALL_SPREAD"
	StructureCreditSpread   Structure = "CREDIT_SPREAD"
	StructureNoTrade        Structure = "NO_TRADE"
)

// TradeStatus is the trade lifecycle state. Transitions are monotone; see
// TradeStateMachine for the valid-transition table.
type TradeStatus string

const (
	TradeStatusPending TradeStatus = "PENDING"
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusClosing TradeStatus = "CLOSING"
	TradeStatusClosed  TradeStatus = "CLOSED"
	TradeStatusFailed  TradeStatus = "FAILED"
)

// Confidence is the regime engine's confidence bucket for a composite score.
type Confidence string

const (
	ConfidenceVeryHigh Confidence = "VERY_HIGH"
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceModerate Confidence = "MODERATE"
	ConfidenceLow      Confidence = "LOW"
)

// VolRegime classifies dealer gamma posture.
type VolRegime string

const (
	GEXRegimeSticky   VolRegime = "STICKY"
	GEXRegimeSlippery VolRegime = "SLIPPERY"
)

// SkewRegime classifies the put/call skew shape.
type SkewRegime string

const (
	SkewCrashFear SkewRegime = "CRASH_FEAR"
	SkewBalanced  SkewRegime = "BALANCED"
	SkewMeltUp    SkewRegime = "MELT_UP"
)

// VIXMomentum classifies short-term VIX behavior.
type VIXMomentum string

const (
	VIXMomentumExplosiveUp VIXMomentum = "EXPLOSIVE_UP"
	VIXMomentumCollapsing  VIXMomentum = "COLLAPSING"
	VIXMomentumNeutral     VIXMomentum = "NEUTRAL"
)

// InstrumentKey opaquely identifies a tradeable contract, stable for the
// contract's life.
type InstrumentKey string

// OptionLeg is one leg of a multi-leg strategy.
type OptionLeg struct {
	InstrumentKey   InstrumentKey   `json:"instrument_key"`
	OptionType      OptionType      `json:"option_type"`
	Strike          decimal.Decimal `json:"strike"`
	Side            LegSide         `json:"side"`
	Role            LegRole         `json:"role"`
	Quantity        int64           `json:"quantity"`         // contracts requested
	LotSize         int64           `json:"lot_size"`          // chain-supplied, never literal
	ReferencePrice  decimal.Decimal `json:"reference_price"`   // LTP at build time
	OrderID         string          `json:"order_id,omitempty"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	SlippagePct     decimal.Decimal `json:"slippage_pct"`
	FillTime        *time.Time      `json:"fill_time,omitempty"`
	Expiry          time.Time       `json:"expiry"`
}

// FillRatio returns filled/requested quantity, zero when nothing was requested.
func (l OptionLeg) FillRatio() decimal.Decimal {
	if l.Quantity == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(l.FilledQuantity).Div(decimal.NewFromInt(l.Quantity))
}

// MeetsFillThreshold reports whether the leg filled enough of its requested
// quantity for its role: hedges require 98%, cores require 95%.
func (l OptionLeg) MeetsFillThreshold() bool {
	threshold := decimal.NewFromFloat(0.95)
	if l.Role == LegRoleHedge {
		threshold = decimal.NewFromFloat(0.98)
	}
	return l.FillRatio().GreaterThanOrEqual(threshold)
}

// Trade is one strategy instance and exclusively owns its legs.
type Trade struct {
	ID                string          `json:"id"`
	Strategy          Structure       `json:"strategy"`
	ExpiryKind        ExpiryKind      `json:"expiry_kind"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	Status            TradeStatus     `json:"status"`
	EntryTime         time.Time       `json:"entry_time"`
	ExitTime          *time.Time      `json:"exit_time,omitempty"`
	Legs              []OptionLeg     `json:"legs"`
	EntryCredit       decimal.Decimal `json:"entry_credit"`
	MaxLoss           decimal.Decimal `json:"max_loss"`
	DeploymentAmount  decimal.Decimal `json:"deployment_amount"`
	CurrentPnL        decimal.Decimal `json:"current_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	ExitReason        string          `json:"exit_reason,omitempty"`
	ManualExitFlag    bool            `json:"manual_exit_flag"`
	NetDelta          decimal.Decimal `json:"net_delta"`
	NetTheta          decimal.Decimal `json:"net_theta"`
	NetGamma          decimal.Decimal `json:"net_gamma"`
	NetVega           decimal.Decimal `json:"net_vega"`
}

// NetShortContracts returns Σ sell qty − Σ buy qty across filled legs.
func (t Trade) NetShortContracts() int64 {
	var net int64
	for _, l := range t.Legs {
		if l.Side == LegSideSell {
			net += l.FilledQuantity
		} else {
			net -= l.FilledQuantity
		}
	}
	return net
}

// VolMetrics holds realized/implied volatility estimates over a shared window set.
type VolMetrics struct {
	RV7, RV28, RV90         decimal.Decimal
	GARCH7, GARCH28         decimal.Decimal
	Parkinson7, Parkinson28 decimal.Decimal
	VIX                     decimal.Decimal
	VIX5DChange             decimal.Decimal
	VoV                     decimal.Decimal
	VoVZScore               decimal.Decimal
	IVP30, IVP90, IVP252    decimal.Decimal
	MA20                    decimal.Decimal
	ATR14                   decimal.Decimal
	VolRegimeLabel          string
	VIXMomentum             VIXMomentum
	Fallback                bool
}

// StructMetrics holds option-chain structural metrics.
type StructMetrics struct {
	NetGEX       decimal.Decimal
	MaxGEXStrike decimal.Decimal
	GEXRatio     decimal.Decimal
	PCRTotal     decimal.Decimal
	PCRAtm       decimal.Decimal
	Skew25Delta  decimal.Decimal
	MaxPain      decimal.Decimal
	ATMIV        decimal.Decimal
	GEXRegime    VolRegime
	SkewRegime   SkewRegime
}

// EdgeMetrics holds volatility-risk-premium and term-structure metrics.
type EdgeMetrics struct {
	VRP                decimal.Decimal
	WeightedVRPWeekly   decimal.Decimal
	WeightedVRPMonthly  decimal.Decimal
	WeightedVRPNextWeek decimal.Decimal
	TermStructureEdge   decimal.Decimal
	SmartExpiry         map[ExpiryKind]string
}

// Score is the four-component regime score.
type Score struct {
	Vol            decimal.Decimal
	Struct         decimal.Decimal
	Edge           decimal.Decimal
	Risk           decimal.Decimal
	Weights        Weights
	Composite      decimal.Decimal
	Confidence     Confidence
	StabilityScore decimal.Decimal
	Drivers        []string
}

// Weights is the dynamic sub-score weighting; must sum to 1 ± 1e-9.
type Weights struct {
	Vol    decimal.Decimal
	Struct decimal.Decimal
	Edge   decimal.Decimal
	Risk   decimal.Decimal
}

// Sum returns the sum of all four weights.
func (w Weights) Sum() decimal.Decimal {
	return w.Vol.Add(w.Struct).Add(w.Edge).Add(w.Risk)
}

// TradingMandate is the Regime Engine's output: a go/no-go decision plus sizing.
type TradingMandate struct {
	ExpiryKind       ExpiryKind      `json:"expiry_kind"`
	RegimeName       string          `json:"regime_name"`
	Structure        Structure       `json:"structure"`
	DirectionalBias  string          `json:"directional_bias"`
	AllocationPct    decimal.Decimal `json:"allocation_pct"`
	DeploymentAmount decimal.Decimal `json:"deployment_amount"`
	MaxLots          int64           `json:"max_lots"`
	Score            Score           `json:"score"`
	Rationale        []string        `json:"rationale"`
	Warnings         []string        `json:"warnings"`
	VetoReasons      []string        `json:"veto_reasons"`
}

// IsVetoed reports whether the mandate carries any veto reason.
func (m TradingMandate) IsVetoed() bool {
	return len(m.VetoReasons) > 0 || m.Structure == StructureNoTrade
}

// CircuitBreakerState is the persistent risk-memory record.
type CircuitBreakerState struct {
	ConsecutiveLosses   int             `json:"consecutive_losses"`
	PeakCapital         decimal.Decimal `json:"peak_capital"`
	TripReason          string          `json:"trip_reason,omitempty"`
	TripUntil           *time.Time      `json:"trip_until,omitempty"`
	SlippageEventCount  int             `json:"slippage_event_count"`
	SlippageEventDayKey string          `json:"slippage_event_day_key"`
}

// Active reports whether the breaker is currently tripped.
func (s CircuitBreakerState) Active(now time.Time) bool {
	return s.TripUntil != nil && now.Before(*s.TripUntil)
}

// CalendarEvent is one economic-calendar entry.
type CalendarEvent struct {
	Name     string    `json:"name"`
	Time     time.Time `json:"time"`
	Impact   string    `json:"impact"` // Veto, HighImpact, MediumImpact
}

// RiskViolation is a single failed pre-trade check.
type RiskViolation struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

// AnalysisSnapshot is the persisted result of one controller cycle.
type AnalysisSnapshot struct {
	ID               string                       `json:"id"`
	Timestamp        time.Time                    `json:"timestamp"`
	Mandates         map[ExpiryKind]TradingMandate `json:"mandates"`
	VolMetrics       VolMetrics                    `json:"vol_metrics"`
	StructMetrics    StructMetrics                 `json:"struct_metrics"`
	EdgeMetrics      EdgeMetrics                   `json:"edge_metrics"`
	VetoEvents       []CalendarEvent               `json:"veto_events"`
	RegimeName       string                        `json:"regime_name"`
}

// RiskEvent is a persisted entry in the risk_events table.
type RiskEvent struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"event_type"`
	Severity    string          `json:"severity"`
	Description string          `json:"description"`
	Metrics     map[string]any  `json:"metrics,omitempty"`
	ActionTaken string          `json:"action_taken,omitempty"`
}

// DailyMetrics is the persisted per-day aggregate used by the breaker and API.
type DailyMetrics struct {
	Date            string          `json:"date"`
	TradesCount     int             `json:"trades_count"`
	Winning         int             `json:"winning"`
	Losing          int             `json:"losing"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	Realized        decimal.Decimal `json:"realized"`
	Unrealized      decimal.Decimal `json:"unrealized"`
	CapitalDeployed decimal.Decimal `json:"capital_deployed"`
}

// OrderRecord is the persisted orders table row.
type OrderRecord struct {
	OrderID        string          `json:"order_id"`
	TradeID        string          `json:"trade_id"`
	InstrumentKey  InstrumentKey   `json:"instrument_key"`
	Side           LegSide         `json:"side"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Status         string          `json:"status"`
	FilledQuantity int64           `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	PlacedAt       time.Time       `json:"placed_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
}

// Quote is a cached market-data entry: last quote plus Greeks.
type Quote struct {
	InstrumentKey InstrumentKey   `json:"instrument_key"`
	LTP           decimal.Decimal `json:"ltp"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	OI            int64           `json:"oi"`
	Delta         decimal.Decimal `json:"delta"`
	Gamma         decimal.Decimal `json:"gamma"`
	Theta         decimal.Decimal `json:"theta"`
	Vega          decimal.Decimal `json:"vega"`
	IV            decimal.Decimal `json:"iv"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ChainRow is one strike's option-chain entry for both Call and Put sides.
type ChainRow struct {
	Strike   decimal.Decimal `json:"strike"`
	LotSize  int64           `json:"lot_size"`
	Call     Quote           `json:"call"`
	Put      Quote           `json:"put"`
}

// Candle is a single OHLC daily bar.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// PortfolioSnapshot is the 1Hz WS broadcast payload's portfolio section.
type PortfolioSnapshot struct {
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	NetDelta       decimal.Decimal `json:"net_delta"`
	NetTheta       decimal.Decimal `json:"net_theta"`
	NetGamma       decimal.Decimal `json:"net_gamma"`
	NetVega        decimal.Decimal `json:"net_vega"`
	OpenTradeCount int             `json:"open_trades_count"`
}
