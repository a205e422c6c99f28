package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMetricsWritePrometheus(t *testing.T) {
	m := NewMetrics()
	m.ObserveCheckout("confirmed", "gateway_a", 120*time.Millisecond)
	m.IncCompensationAction("inventory_release", "completed")
	m.IncCompensationAction("inventory_release", "completed")

	if got := m.compensations.Value("inventory_release", "completed"); got != 2 {
		t.Fatalf("compensation count: want=2 got=%v", got)
	}

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`cs_checkout_total{outcome="confirmed",gateway="gateway_a"} 1.000000`,
		`cs_checkout_duration_seconds_bucket{outcome="confirmed",le="0.25"} 1`,
		`# TYPE cs_compensation_actions_total counter`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCheckout("failed", "default", time.Second)
	m.IncSweep("ok")
	if err := m.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("nil write: %v", err)
	}
}
