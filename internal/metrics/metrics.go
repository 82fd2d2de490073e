// Package metrics exposes Prometheus counters and gauges for the control
// plane's operational surface (A4): analysis cycles, mandates, order
// fills, slippage, and circuit-breaker state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the control plane updates, registered
// against a caller-supplied prometheus.Registerer so tests can use an
// isolated registry instead of the global default.
type Registry struct {
	CyclesTotal      *prometheus.CounterVec
	MandatesTotal    *prometheus.CounterVec
	OrdersTotal      *prometheus.CounterVec
	FillsTotal       *prometheus.CounterVec
	SlippagePct      prometheus.Histogram
	BreakerActive    prometheus.Gauge
	OpenTradeCount   prometheus.Gauge
	PortfolioPnL     prometheus.Gauge
	PortfolioDelta   prometheus.Gauge
	AnalysisDuration prometheus.Histogram
}

// New constructs and registers a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volguard_analysis_cycles_total",
			Help: "Analysis cycles run, labeled by outcome.",
		}, []string{"outcome"}),
		MandatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volguard_mandates_total",
			Help: "Trading mandates produced, labeled by structure and expiry kind.",
		}, []string{"structure", "expiry_kind"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volguard_orders_total",
			Help: "Broker orders placed, labeled by side and outcome.",
		}, []string{"side", "outcome"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volguard_fills_total",
			Help: "Leg fills recorded, labeled by role (hedge|core).",
		}, []string{"role"}),
		SlippagePct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "volguard_slippage_pct",
			Help:    "Observed fill slippage as a fraction of expected price.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.03, 0.05, 0.10},
		}),
		BreakerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volguard_circuit_breaker_active",
			Help: "1 if the circuit breaker currently blocks new entries, else 0.",
		}),
		OpenTradeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volguard_open_trades",
			Help: "Number of currently open trades.",
		}),
		PortfolioPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volguard_portfolio_pnl",
			Help: "Aggregate mark-to-market P&L across open trades.",
		}),
		PortfolioDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volguard_portfolio_net_delta",
			Help: "Aggregate net delta across open trades.",
		}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "volguard_analysis_cycle_seconds",
			Help:    "Wall-clock duration of one analysis cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.MandatesTotal, m.OrdersTotal, m.FillsTotal,
		m.SlippagePct, m.BreakerActive, m.OpenTradeCount, m.PortfolioPnL,
		m.PortfolioDelta, m.AnalysisDuration,
	)
	return m
}

// SetBreakerActive records the circuit breaker's current active state.
func (m *Registry) SetBreakerActive(active bool) {
	if active {
		m.BreakerActive.Set(1)
		return
	}
	m.BreakerActive.Set(0)
}
