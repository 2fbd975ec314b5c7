package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("httpclient_test", reg)

	m.ConnectionsOpened.Inc()
	m.ConnectionsClosed.WithLabelValues("idle_timeout").Inc()
	m.RequestsCompleted.WithLabelValues("ok").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("Gather() returned no metric families")
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "httpclient_test_connections_opened_total" {
			found = true
			if got := sumCounters(f); got != 1 {
				t.Fatalf("connections_opened_total = %v, want 1", got)
			}
		}
	}
	if !found {
		t.Fatal("connections_opened_total not found in gathered families")
	}
}

func TestNoopIsUsableWithoutPanicking(t *testing.T) {
	m := Noop()
	m.ConnectionsOpen.Set(1)
	m.RetriesTotal.WithLabelValues("timeout").Inc()
}

func sumCounters(f *dto.MetricFamily) float64 {
	var total float64
	for _, metric := range f.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}
