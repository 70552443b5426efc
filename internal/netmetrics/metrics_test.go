package netmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PacketsSent.WithLabelValues("conn-1").Inc()
	m.PacketsSent.WithLabelValues("conn-1").Inc()
	m.GhostsCreated.WithLabelValues("conn-1").Inc()

	var out dto.Metric
	if err := m.PacketsSent.WithLabelValues("conn-1").Write(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Counter.GetValue() != 2 {
		t.Fatalf("expected 2 packets sent, got %v", out.Counter.GetValue())
	}
}

func TestMetrics_GaugeSetsAndCollects(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.EventQueueDepth.WithLabelValues("conn-1", "guaranteed").Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "tnlgo_event_queue_depth" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected tnlgo_event_queue_depth to be registered")
	}
}
