// Package metrics counts wizard submissions and live sessions and serves
// them in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Submission results.
const (
	ResultSubmitted = "submitted"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// Metrics holds the server metrics.
type Metrics struct {
	namespace string

	Submissions   *CounterVec
	SubmitLatency *Histogram

	mu     sync.RWMutex
	gauges []*GaugeFunc
}

// New creates an empty set of metrics under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		namespace:     namespace,
		Submissions:   NewCounterVec("submissions_total", "Submissions by wizard and result", "wizard", "result"),
		SubmitLatency: NewHistogram("submit_duration_seconds", "Time spent in submission sinks", DefaultBuckets),
	}
}

// AddGauge exposes a value read at scrape time.
func (m *Metrics) AddGauge(name, help string, fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, &GaugeFunc{name: name, help: help, fn: fn})
}

// Instrument records the outcome and latency of every call to submit.
func (m *Metrics) Instrument(wizardID string, submit wizard.SubmitFunc) wizard.SubmitFunc {
	return func(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
		start := time.Now()
		receipt, err := submit(ctx, values)
		m.SubmitLatency.Observe(time.Since(start).Seconds())
		m.Submissions.Inc(wizardID, resultOf(err))
		return receipt, err
	}
}

// resultOf counts client errors and bare rejections as rejected, anything
// else as a sink error.
func resultOf(err error) string {
	if err == nil {
		return ResultSubmitted
	}
	var se *wizard.SubmissionError
	if errors.As(err, &se) {
		if (se.Status >= 400 && se.Status < 500) || (se.Status == 0 && se.Err == nil) {
			return ResultRejected
		}
	}
	return ResultError
}

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = m.WriteTo(w)
	})
}

// WriteTo writes every metric in the text exposition format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	m.Submissions.write(cw, m.namespace)
	m.SubmitLatency.write(cw, m.namespace)

	m.mu.RLock()
	gauges := append([]*GaugeFunc(nil), m.gauges...)
	m.mu.RUnlock()
	for _, g := range gauges {
		g.write(cw, m.namespace)
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) printf(format string, args ...any) {
	if c.err != nil {
		return
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	c.n += int64(n)
	c.err = err
}

func header(w *countingWriter, name, help, kind string) {
	w.printf("# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func fullName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "_" + name
}

// CounterVec is a counter with labels.
type CounterVec struct {
	name   string
	help   string
	labels []string

	mu     sync.RWMutex
	values map[string]*atomic.Int64
}

// NewCounterVec creates a counter vector.
func NewCounterVec(name, help string, labels ...string) *CounterVec {
	return &CounterVec{
		name:   name,
		help:   help,
		labels: labels,
		values: make(map[string]*atomic.Int64),
	}
}

// Inc increments the counter for the label values, given in label order.
func (cv *CounterVec) Inc(values ...string) {
	key := strings.Join(values, "\x00")

	cv.mu.RLock()
	c, ok := cv.values[key]
	cv.mu.RUnlock()
	if !ok {
		cv.mu.Lock()
		if c, ok = cv.values[key]; !ok {
			c = new(atomic.Int64)
			cv.values[key] = c
		}
		cv.mu.Unlock()
	}
	c.Add(1)
}

// Value returns the counter for the label values.
func (cv *CounterVec) Value(values ...string) int64 {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	if c, ok := cv.values[strings.Join(values, "\x00")]; ok {
		return c.Load()
	}
	return 0
}

func (cv *CounterVec) write(w *countingWriter, namespace string) {
	name := fullName(namespace, cv.name)
	header(w, name, cv.help, "counter")

	cv.mu.RLock()
	keys := make([]string, 0, len(cv.values))
	for k := range cv.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.printf("%s{%s} %d\n", name, labelPairs(cv.labels, strings.Split(k, "\x00")), cv.values[k].Load())
	}
	cv.mu.RUnlock()
}

func labelPairs(names, values []string) string {
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(pairs, ",")
}

// DefaultBuckets are upper bounds in seconds.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// NewHistogram creates a histogram with the given sorted bucket bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.sum += v
	h.count++
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w *countingWriter, namespace string) {
	name := fullName(namespace, h.name)
	header(w, name, h.help, "histogram")

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, upper := range h.buckets {
		w.printf("%s_bucket{le=\"%g\"} %d\n", name, upper, h.counts[i])
	}
	w.printf("%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
	w.printf("%s_sum %g\n", name, h.sum)
	w.printf("%s_count %d\n", name, h.count)
}

// GaugeFunc is a gauge whose value is read when scraped.
type GaugeFunc struct {
	name string
	help string
	fn   func() float64
}

func (g *GaugeFunc) write(w *countingWriter, namespace string) {
	name := fullName(namespace, g.name)
	header(w, name, g.help, "gauge")
	w.printf("%s %g\n", name, g.fn())
}
