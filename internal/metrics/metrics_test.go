package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	m.IngestMessage(OutcomeInserted)
	m.IngestBatch()
	m.ConsumerRestart()
	m.BroadcastDrop("d-1")
	m.Launch("ecs", nil)
	m.Reaped(2)
	m.Upload(errors.New("boom"))
	m.ProxyRequest(502)
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := New(reg)
	second := New(reg)

	first.IngestMessage(OutcomeDuplicate)
	second.IngestMessage(OutcomeDuplicate)

	if got := testutil.ToFloat64(first.ingestMessages.WithLabelValues(OutcomeDuplicate)); got != 2 {
		t.Errorf("duplicates = %v, want 2 (collectors shared)", got)
	}
}

func TestLaunchResultLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Launch("podman", nil)
	m.Launch("podman", errors.New("no capacity"))
	m.Launch("podman", errors.New("no capacity"))

	if got := testutil.ToFloat64(m.launches.WithLabelValues("podman", "error")); got != 2 {
		t.Errorf("errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.launches.WithLabelValues("podman", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
}
