// Package sink provides the submission sinks a wizard hands its values to:
// the tournament backend over HTTP, a SQL store (SQLite or PostgreSQL) and adapters.
package sink

import (
	"context"
	"strings"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Sink persists the values of a completed wizard.
type Sink interface {
	Submit(ctx context.Context, values forms.Values) (*wizard.Receipt, error)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, values forms.Values) (*wizard.Receipt, error)

// Submit calls f.
func (f Func) Submit(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
	return f(ctx, values)
}

// SubmitFunc returns s as the function a wizard.Controller expects.
func SubmitFunc(s Sink) wizard.SubmitFunc {
	return s.Submit
}

// AuthContext carries the credentials a sink sends to the backend. It is
// always passed in explicitly.
type AuthContext struct {
	Token string
	// Scheme defaults to "Bearer".
	Scheme string
}

// Header returns the Authorization header value, or "" without a token.
func (a AuthContext) Header() string {
	if strings.TrimSpace(a.Token) == "" {
		return ""
	}
	scheme := a.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	return scheme + " " + a.Token
}

// Payload converts wizard values into a JSON-ready map. Dates become
// YYYY-MM-DD strings.
func Payload(values forms.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if t, ok := v.(time.Time); ok {
			out[k] = t.Format(forms.DateLayout)
			continue
		}
		out[k] = v
	}
	return out
}

type logged struct {
	next   Sink
	name   string
	logger logging.Logger
}

// Logged wraps next so every attempt and its outcome are logged.
func Logged(name string, next Sink, logger logging.Logger) Sink {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &logged{next: next, name: name, logger: logger.With(logging.String("sink", name))}
}

func (l *logged) Submit(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
	start := time.Now()
	l.logger.Debug("submission started", logging.Int("fields", len(values)))

	receipt, err := l.next.Submit(ctx, values)
	elapsed := time.Since(start)
	if err != nil {
		rejection := wizard.AsSubmissionError(err)
		l.logger.Warn("submission rejected",
			logging.String("reason", rejection.Message),
			logging.Int("status", rejection.Status),
			logging.Duration("duration", elapsed),
		)
		return nil, err
	}

	fields := []logging.Field{logging.Duration("duration", elapsed)}
	if receipt != nil && receipt.ID != "" {
		fields = append(fields, logging.String("receipt_id", receipt.ID))
	}
	l.logger.Info("submission accepted", fields...)
	return receipt, nil
}
