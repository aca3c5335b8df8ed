package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSlogLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(WithOutput(&buf), WithJSON(), WithLevel(slog.LevelInfo))

	logger.Debug("hidden")
	logger.With(Wizard("w-1")).Info("step advanced", Step(2), Session("s-9"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "step advanced", entries[0]["msg"])
	assert.Equal(t, "w-1", entries[0]["wizard_id"])
	assert.Equal(t, float64(2), entries[0]["step"])
	assert.Equal(t, "s-9", entries[0]["session_id"])
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, DefaultLogger, L(context.Background()))

	nop := NopLogger{}
	ctx := ContextWithLogger(context.Background(), nop)
	assert.Equal(t, Logger(nop), L(ctx))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(WithOutput(&buf), WithJSON(), WithLevel(slog.LevelInfo))

	var fromCtx Logger
	handler := RequestLogger(logger, "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = L(r.Context())
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/wizards", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.NotEqual(t, DefaultLogger, fromCtx)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2, "quiet paths log at debug")
	assert.Equal(t, "req-1", entries[0]["request_id"])
	assert.Equal(t, float64(http.StatusCreated), entries[0]["status"])
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "/boom", entries[1]["path"])
	assert.Equal(t, "ERROR", entries[1]["level"])
}
