package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sony/gobreaker/v2"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/tracing"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	defaultMaxFailures   = 5
	defaultBreakerOpen   = 30 * time.Second
	defaultBreakerWindow = 60 * time.Second
	maxResponseBytes     = 1 << 20

	// MessageUnavailable is shown while the breaker is open.
	MessageUnavailable = "Service temporarily unavailable, please try again later"
	// MessageNetwork is shown when the backend cannot be reached.
	MessageNetwork = "Could not reach the server, please try again"
)

// BreakerConfig configures the circuit breaker around the backend.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `mapstructure:"max_failures" yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// HTTPConfig configures an HTTP sink.
type HTTPConfig struct {
	// BaseURL of the tournament backend, e.g. https://api.example.com.
	BaseURL string
	// Endpoint is the path the payload is POSTed to, e.g. /api/auth/register.
	Endpoint string
	Auth     AuthContext
	Timeout  time.Duration
	Breaker  BreakerConfig

	Client *http.Client
	Tracer *tracing.Tracer
	Logger logging.Logger

	// Fields are the wizard's field names, used to map backend field errors.
	Fields []string
}

// HTTP posts JSON payloads to the backend. Every call is a single attempt;
// a dead backend trips the breaker so later calls fail fast.
type HTTP struct {
	url     string
	auth    AuthContext
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*wizard.Receipt]
	policy  *bluemonday.Policy
	tracer  *tracing.Tracer
	logger  logging.Logger
	fields  []string
}

// NewHTTP creates an HTTP sink.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	target, err := joinURL(cfg.BaseURL, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NewTracer("livewizard-sink")
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openFor := cfg.Breaker.Timeout
	if openFor == 0 {
		openFor = defaultBreakerOpen
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultBreakerWindow
	}

	h := &HTTP{
		url:    target,
		auth:   cfg.Auth,
		client: client,
		policy: bluemonday.StrictPolicy(),
		tracer: tracer,
		logger: logger.With(logging.String("endpoint", target)),
		fields: append([]string(nil), cfg.Fields...),
	}
	h.breaker = gobreaker.NewCircuitBreaker[*wizard.Receipt](gobreaker.Settings{
		Name:        "sink:" + cfg.Endpoint,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state change",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A 4xx is the backend answering; only outages count.
			var rejection *wizard.SubmissionError
			if errors.As(err, &rejection) {
				return rejection.Status > 0 && rejection.Status < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return h, nil
}

// URL returns the endpoint the sink posts to.
func (h *HTTP) URL() string {
	return h.url
}

// State returns the breaker state.
func (h *HTTP) State() gobreaker.State {
	return h.breaker.State()
}

// Submit posts values and translates the response.
func (h *HTTP) Submit(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
	ctx, span := h.tracer.StartSpan(ctx, "sink.http.submit", tracing.WithTag("http.url", h.url))
	defer span.End()

	receipt, err := h.breaker.Execute(func() (*wizard.Receipt, error) {
		return h.post(ctx, values)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &wizard.SubmissionError{
				Message: MessageUnavailable,
				Status:  http.StatusServiceUnavailable,
				Err:     err,
			}
		}
		tracing.RecordError(span, err)
		return nil, err
	}
	tracing.SetOK(span)
	return receipt, nil
}

func (h *HTTP) post(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
	body, err := json.Marshal(Payload(values))
	if err != nil {
		return nil, fmt.Errorf("sink: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if auth := h.auth.Header(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &wizard.SubmissionError{Message: MessageNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &wizard.SubmissionError{Message: MessageNetwork, Status: resp.StatusCode, Err: err}
	}

	var doc map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			doc = nil
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return receiptFrom(doc), nil
	}
	return nil, h.rejection(resp.StatusCode, doc, raw)
}

func (h *HTTP) rejection(status int, doc map[string]any, raw []byte) *wizard.SubmissionError {
	msg := firstString(doc, "message", "error", "detail", "title")
	if msg == "" && doc == nil {
		msg = strings.TrimSpace(string(raw))
		if len(msg) > 200 || strings.HasPrefix(msg, "<") {
			msg = ""
		}
	}
	msg = h.clean(msg)
	if msg == "" {
		msg = http.StatusText(status)
	}

	rejection := &wizard.SubmissionError{Message: msg, Status: status}
	if payload := fieldPayload(doc); len(payload) > 0 {
		mapping := forms.MapErrorPayload(h.fields, payload)
		if len(mapping.Fields) > 0 {
			rejection.Fields = make(map[string]string, len(mapping.Fields))
			for name, msgs := range mapping.Fields {
				rejection.Fields[name] = h.clean(msgs[0])
			}
		}
		if msg == http.StatusText(status) && len(mapping.Form) > 0 {
			rejection.Message = h.clean(mapping.Form[0])
		}
	}
	return rejection
}

// clean strips markup from backend text so it can be shown as-is.
func (h *HTTP) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(h.policy.Sanitize(s)))
}

func receiptFrom(doc map[string]any) *wizard.Receipt {
	receipt := &wizard.Receipt{Data: doc}
	if id := idOf(doc); id != "" {
		receipt.ID = id
	} else if data, ok := doc["data"].(map[string]any); ok {
		receipt.ID = idOf(data)
	}
	return receipt
}

func idOf(doc map[string]any) string {
	for _, key := range []string{"id", "_id", "uuid"} {
		switch v := doc[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := doc[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// fieldPayload reads the "errors" member in its common shapes:
// {"f": "msg"}, {"f": ["msg"]} or [{"field": "f", "message": "msg"}].
func fieldPayload(doc map[string]any) map[string][]string {
	out := make(map[string][]string)
	switch errs := doc["errors"].(type) {
	case map[string]any:
		for field, v := range errs {
			switch m := v.(type) {
			case string:
				out[field] = append(out[field], m)
			case []any:
				for _, item := range m {
					if s, ok := item.(string); ok {
						out[field] = append(out[field], s)
					}
				}
			}
		}
	case []any:
		for _, item := range errs {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field := firstString(entry, "field", "path", "pointer", "param")
			msg := firstString(entry, "message", "msg", "detail")
			if msg != "" {
				out[field] = append(out[field], msg)
			}
		}
	}
	return out
}

func joinURL(base, endpoint string) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", errors.New("sink: endpoint is required")
	}
	if base == "" {
		u, err := url.Parse(endpoint)
		if err != nil || !u.IsAbs() {
			return "", fmt.Errorf("sink: endpoint %q needs a base URL", endpoint)
		}
		return u.String(), nil
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("sink: invalid base URL %q", base)
	}
	return strings.TrimRight(u.String(), "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}
