package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
	_ = m
}

func TestSetBreakerActiveTogglesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetBreakerActive(true)
	if got := gaugeValue(t, m.BreakerActive); got != 1 {
		t.Errorf("expected gauge value 1 after SetBreakerActive(true), got %f", got)
	}

	m.SetBreakerActive(false)
	if got := gaugeValue(t, m.BreakerActive); got != 0 {
		t.Errorf("expected gauge value 0 after SetBreakerActive(false), got %f", got)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	return m.GetGauge().GetValue()
}
