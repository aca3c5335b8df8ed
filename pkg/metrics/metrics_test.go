package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

func TestInstrument(t *testing.T) {
	m := New("livewizard")
	results := []error{
		nil,
		wizard.Reject("Username already taken", map[string]string{"username": "taken"}),
		errors.New("connection refused"),
		nil,
	}
	i := 0
	submit := m.Instrument("player-signup", func(context.Context, forms.Values) (*wizard.Receipt, error) {
		err := results[i]
		i++
		if err != nil {
			return nil, err
		}
		return &wizard.Receipt{ID: "p-1"}, nil
	})

	for range results {
		_, _ = submit(context.Background(), forms.Values{})
	}

	assert.Equal(t, int64(2), m.Submissions.Value("player-signup", ResultSubmitted))
	assert.Equal(t, int64(1), m.Submissions.Value("player-signup", ResultRejected))
	assert.Equal(t, int64(1), m.Submissions.Value("player-signup", ResultError))
	assert.Equal(t, int64(0), m.Submissions.Value("match-result", ResultSubmitted))
	assert.Equal(t, uint64(4), m.SubmitLatency.Count())
}

func TestResultOf_WrappedTransportError(t *testing.T) {
	err := &wizard.SubmissionError{Message: "Service unavailable", Err: errors.New("503")}
	assert.Equal(t, ResultError, resultOf(err))

	conflict := &wizard.SubmissionError{Message: "username already taken", Status: 409, Err: errors.New("UNIQUE constraint failed")}
	assert.Equal(t, ResultRejected, resultOf(conflict))
}

func TestHandler(t *testing.T) {
	m := New("livewizard")
	m.Submissions.Inc("match-result", ResultSubmitted)
	m.SubmitLatency.Observe(0.2)
	m.AddGauge("sessions_active", "Open live sessions", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE livewizard_submissions_total counter")
	assert.Contains(t, body, `livewizard_submissions_total{wizard="match-result",result="submitted"} 1`)
	assert.Contains(t, body, `livewizard_submit_duration_seconds_bucket{le="0.1"} 0`)
	assert.Contains(t, body, `livewizard_submit_duration_seconds_bucket{le="0.25"} 1`)
	assert.Contains(t, body, `livewizard_submit_duration_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, body, "livewizard_submit_duration_seconds_count 1")
	assert.Contains(t, body, "livewizard_sessions_active 3")
}
