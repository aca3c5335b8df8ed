// Package tracing provides OpenTelemetry helpers for livewizard.
//
// Spans go to whatever TracerProvider is registered with otel; without one the
// global no-op provider is used.
package tracing

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by livewizard packages.
const InstrumentationName = "github.com/gabrielmiguelok/livewizard"

// Tracer starts spans for one service.
type Tracer struct {
	serviceName string
	tracer      trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(serviceName string) *Tracer {
	return NewTracerFromProvider(serviceName, otel.GetTracerProvider())
}

// NewTracerFromProvider creates a tracer from tp.
func NewTracerFromProvider(serviceName string, tp trace.TracerProvider) *Tracer {
	return &Tracer{
		serviceName: serviceName,
		tracer:      tp.Tracer(InstrumentationName),
	}
}

// SpanOption configures a span.
type SpanOption func(*spanConfig)

type spanConfig struct {
	attrs []attribute.KeyValue
	kind  trace.SpanKind
}

// WithTag adds a string attribute.
func WithTag(key, value string) SpanOption {
	return func(c *spanConfig) {
		c.attrs = append(c.attrs, attribute.String(key, value))
	}
}

// WithInt adds an integer attribute.
func WithInt(key string, value int) SpanOption {
	return func(c *spanConfig) {
		c.attrs = append(c.attrs, attribute.Int(key, value))
	}
}

// WithKind sets the span kind.
func WithKind(kind trace.SpanKind) SpanOption {
	return func(c *spanConfig) {
		c.kind = kind
	}
}

// StartSpan starts a span tagged with the service name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, trace.Span) {
	config := &spanConfig{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(config)
	}
	attrs := append([]attribute.KeyValue{attribute.String("service.name", t.serviceName)}, config.attrs...)
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(config.kind),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks span as successful.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// InjectHeaders writes the trace context of ctx into outgoing headers.
func InjectHeaders(ctx context.Context, headers http.Header) {
	propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractContext reads an incoming trace context from headers.
func ExtractContext(ctx context.Context, headers http.Header) context.Context {
	return propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Middleware starts a server span per request.
func Middleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ExtractContext(r.Context(), r.Header)
			ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path,
				WithKind(trace.SpanKindServer),
				WithTag("http.method", r.Method),
				WithTag("http.path", r.URL.Path),
			)
			defer span.End()

			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer so websocket upgrades still work.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("tracing: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
