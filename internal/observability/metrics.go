package observability

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type Metrics struct {
	apiRequests       *CounterVec
	apiLatency        *HistogramVec
	checkouts         *CounterVec
	checkoutLatency   *HistogramVec
	compensations     *CounterVec
	unresolvedActions *GaugeVec
	aggregateOps      *HistogramVec
	aggregateConflict *CounterVec
	aggregateRetry    *CounterVec
	sweepRuns         *CounterVec
	eventsPublished   *CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the process-wide metrics, or nil when Init has not enabled them.
// All methods are nil-safe.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// NewMetrics builds an unregistered metrics set; tests use it directly.
func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("cs_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"cs_api_request_duration_seconds",
			"API request latency in seconds by method/route.",
			[]string{"method", "route"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		),
		checkouts: NewCounterVec("cs_checkout_total", "Checkouts by outcome/gateway.", []string{"outcome", "gateway"}),
		checkoutLatency: NewHistogramVec(
			"cs_checkout_duration_seconds",
			"End-to-end checkout latency by outcome.",
			[]string{"outcome"},
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		compensations:     NewCounterVec("cs_compensation_actions_total", "Compensation action attempts by type/status.", []string{"action_type", "status"}),
		unresolvedActions: NewGaugeVec("cs_compensation_unresolved", "Exhausted compensation actions awaiting remediation.", []string{"action_type"}),
		aggregateOps: NewHistogramVec(
			"cs_store_operation_duration_seconds",
			"Transaction store write duration by operation/status.",
			[]string{"op", "status"},
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		),
		aggregateConflict: NewCounterVec("cs_store_conflicts_total", "Transaction store conflicts by operation.", []string{"op"}),
		aggregateRetry:    NewCounterVec("cs_store_retryable_total", "Transaction store retryable failures by operation.", []string{"op"}),
		sweepRuns:         NewCounterVec("cs_compensation_sweep_total", "Compensation sweep passes by status.", []string{"status"}),
		eventsPublished:   NewCounterVec("cs_events_published_total", "Lifecycle events by event/result.", []string{"event", "result"}),
	}
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency,
		m.checkouts, m.checkoutLatency,
		m.compensations, m.unresolvedActions,
		m.aggregateOps, m.aggregateConflict, m.aggregateRetry,
		m.sweepRuns, m.eventsPublished,
	}
	for _, mw := range writers {
		if err := mw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) ObserveCheckout(outcome, gateway string, dur time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.Inc(outcome, gateway)
	m.checkoutLatency.Observe(dur.Seconds(), outcome)
}

func (m *Metrics) IncCompensationAction(actionType, status string) {
	if m == nil {
		return
	}
	m.compensations.Inc(actionType, status)
}

func (m *Metrics) SetUnresolved(actionType string, n int) {
	if m == nil {
		return
	}
	m.unresolvedActions.Set(float64(n), actionType)
}

func (m *Metrics) ObserveStoreOperation(op, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.aggregateOps.Observe(dur.Seconds(), strings.TrimSpace(op), strings.TrimSpace(status))
}

func (m *Metrics) IncStoreConflict(op string) {
	if m == nil {
		return
	}
	m.aggregateConflict.Inc(strings.TrimSpace(op))
}

func (m *Metrics) IncStoreRetry(op string) {
	if m == nil {
		return
	}
	m.aggregateRetry.Inc(strings.TrimSpace(op))
}

func (m *Metrics) IncSweep(status string) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc(status)
}

// SweepCount reports how many sweep passes ended with status.
func (m *Metrics) SweepCount(status string) float64 {
	if m == nil {
		return 0
	}
	return m.sweepRuns.Value(status)
}

func (m *Metrics) IncEvent(event, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.Inc(event, result)
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

// Value returns the current count for one label combination.
func (c *CounterVec) Value(values ...string) float64 {
	if c == nil {
		return 0
	}
	lbl := labelString(c.labelNames, values)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[lbl]
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	counts []uint64
	sum    float64
	total  uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{counts: make([]uint64, len(h.buckets)+1)}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range h.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range h.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n%s_count%s %d\n", h.name, k, v.sum, h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) && values[i] != "" {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return strings.ReplaceAll(v, "\n", "\\n")
}

func withLe(labels string, le string) string {
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
}
