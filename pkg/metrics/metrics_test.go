package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn_IncrementsCounterAndObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTurn("allow", "", 0.012)
	m.RecordTurn("deny", "denied_by_policy", 0.001)
	m.RecordTurn("deny", "denied_by_policy", 0.002)

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("allow", "")); got != 1 {
		t.Errorf("allow turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("deny", "denied_by_policy")); got != 2 {
		t.Errorf("deny/denied_by_policy turns = %v, want 2", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.InFlight.Inc()
	m.InFlight.Inc()
	if got := testutil.ToFloat64(m.InFlight); got != 2 {
		t.Errorf("in-flight = %v, want 2", got)
	}
	m.InFlight.Dec()
	if got := testutil.ToFloat64(m.InFlight); got != 1 {
		t.Errorf("in-flight = %v, want 1", got)
	}
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordTurn("allow", "", 0.01)

	count, err := testutil.GatherAndCount(reg, "pep_turns_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count == 0 {
		t.Error("expected pep_turns_total to be present in the registry")
	}
}
