// Package health reports whether the wizard server can take sessions and
// reach its sinks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/gabrielmiguelok/livewizard/pkg/logging"
)

// Status represents the health status of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout bounds checks registered without a timeout.
const DefaultTimeout = 5 * time.Second

// CheckResult is the result of a single check.
type CheckResult struct {
	Status     Status `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Details    any    `json:"details,omitempty"`
}

// Report is the overall health.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckFunc reports a problem as an error.
type CheckFunc func(ctx context.Context) error

// Check is one named check.
type Check struct {
	Name    string
	Fn      CheckFunc
	Timeout time.Duration
	// Critical failures make the server unhealthy; others degrade it.
	Critical bool
}

// Checker runs registered checks concurrently.
type Checker struct {
	mu      sync.RWMutex
	checks  []Check
	version string
	logger  logging.Logger
	now     func() time.Time
}

// NewChecker creates a checker reporting version.
func NewChecker(version string, logger logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Checker{version: version, logger: logger, now: time.Now}
}

// Add registers a non-critical check.
func (hc *Checker) Add(name string, fn CheckFunc, timeout time.Duration) {
	hc.register(Check{Name: name, Fn: fn, Timeout: timeout})
}

// AddCritical registers a check that must pass for readiness.
func (hc *Checker) AddCritical(name string, fn CheckFunc, timeout time.Duration) {
	hc.register(Check{Name: name, Fn: fn, Timeout: timeout, Critical: true})
}

func (hc *Checker) register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	hc.mu.Lock()
	hc.checks = append(hc.checks, c)
	hc.mu.Unlock()
}

// Run executes every check and folds the results.
func (hc *Checker) Run(ctx context.Context) Report {
	hc.mu.RLock()
	checks := append([]Check(nil), hc.checks...)
	hc.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: hc.now(),
		Version:   hc.version,
	}

	type result struct {
		check Check
		res   CheckResult
	}
	results := make(chan result, len(checks))
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			results <- result{check: c, res: runOne(ctx, c)}
		}(c)
	}
	wg.Wait()
	close(results)

	for r := range results {
		report.Checks[r.check.Name] = r.res
		if r.res.Status == StatusHealthy {
			continue
		}
		hc.logger.Warn("health check failed",
			logging.String("check", r.check.Name),
			logging.Bool("critical", r.check.Critical),
			logging.String("error", r.res.Error),
		)
		if r.check.Critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func runOne(ctx context.Context, c Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- fmt.Errorf("check panicked: %v", v)
			}
		}()
		done <- c.Fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := CheckResult{Status: StatusHealthy, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		if he, ok := err.(*Error); ok {
			res.Details = he.Details
		}
	}
	return res
}

// LivenessHandler answers 200 while the process runs.
func (hc *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": hc.now()})
	})
}

// ReadinessHandler answers 503 when a critical check fails.
func (hc *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hc.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

// Register mounts /healthz and /readyz on mux.
func (hc *Checker) Register(mux *http.ServeMux) {
	mux.Handle("GET /healthz", hc.LivenessHandler())
	mux.Handle("GET /readyz", hc.ReadinessHandler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error is a failed check with details for the report.
type Error struct {
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// PingCheck wraps a store ping, such as the SQLite sink's.
func PingCheck(ping func(context.Context) error) CheckFunc {
	return CheckFunc(ping)
}

// DefinitionsCheck fails when no wizard is loaded.
func DefinitionsCheck(count func() int) CheckFunc {
	return func(ctx context.Context) error {
		if count() == 0 {
			return &Error{Message: "no wizard definitions loaded"}
		}
		return nil
	}
}

// SessionsCheck fails when the live host is at capacity.
func SessionsCheck(active func() int, max int) CheckFunc {
	return func(ctx context.Context) error {
		if n := active(); max > 0 && n >= max {
			return &Error{
				Message: "live sessions at capacity",
				Details: map[string]any{"current": n, "max": max},
			}
		}
		return nil
	}
}

// BreakerCheck fails while an HTTP sink's circuit breaker is open.
func BreakerCheck(state func() gobreaker.State) CheckFunc {
	return func(ctx context.Context) error {
		if st := state(); st == gobreaker.StateOpen {
			return &Error{Message: "sink circuit open", Details: map[string]any{"state": st.String()}}
		}
		return nil
	}
}
