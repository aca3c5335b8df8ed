package wizard

import (
	"context"
	"errors"
	"strings"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
)

var (
	// ErrInvalidSteps is returned when the step sequence is empty or its
	// indices are not 1..N.
	ErrInvalidSteps = errors.New("wizard: invalid step sequence")

	// ErrNoSubmitFunc is returned when a controller is built without a sink.
	ErrNoSubmitFunc = errors.New("wizard: nil submit func")

	ErrUnknownStep    = errors.New("wizard: unknown step")
	ErrStepNotVisited = errors.New("wizard: step not visited")
	ErrNoNextStep     = errors.New("wizard: already on the last step")
	ErrNoPreviousStep = errors.New("wizard: already on the first step")

	// ErrSubmitted is returned for any change after a successful submission.
	ErrSubmitted = errors.New("wizard: already submitted")

	// ErrUnmounted is returned once the host has torn the wizard down.
	ErrUnmounted = errors.New("wizard: unmounted")

	// ErrSubmitInFlight is returned for navigation while onSubmit is running.
	ErrSubmitInFlight = errors.New("wizard: submission in flight")

	// ErrInvalidSnapshot is returned by Restore for inconsistent snapshots.
	ErrInvalidSnapshot = errors.New("wizard: invalid snapshot")
)

// SubmitFunc persists the accumulated values. It receives its own copy of
// the values; a non-nil error rejects the submission.
type SubmitFunc func(ctx context.Context, values forms.Values) (*Receipt, error)

type submissionIDKey struct{}

// WithSubmissionID returns a context naming the wizard instance that
// submits. The controller sets it on the context it passes to the sink.
func WithSubmissionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, submissionIDKey{}, id)
}

// SubmissionID returns the submitting wizard instance, or "".
func SubmissionID(ctx context.Context) string {
	id, _ := ctx.Value(submissionIDKey{}).(string)
	return id
}

// Receipt is what a sink reports back on success.
type Receipt struct {
	ID   string         `json:"id,omitempty" msgpack:"id,omitempty"`
	Data map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
}

// SubmissionError is a rejected submission. Message is display ready.
type SubmissionError struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Status  int               `json:"status,omitempty"`
	Err     error             `json:"-"`
}

func (e *SubmissionError) Error() string {
	return e.Message
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Reject builds a SubmissionError with optional per-field messages.
func Reject(msg string, fields map[string]string) *SubmissionError {
	return &SubmissionError{Message: msg, Fields: fields}
}

const defaultRejection = "Submission failed"

// AsSubmissionError returns err as a *SubmissionError, wrapping foreign
// errors so their text is shown verbatim.
func AsSubmissionError(err error) *SubmissionError {
	if err == nil {
		return nil
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		if strings.TrimSpace(se.Message) == "" {
			cp := *se
			cp.Message = defaultRejection
			return &cp
		}
		return se
	}
	msg := strings.TrimSpace(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		msg = "Submission cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "Submission timed out"
	case msg == "":
		msg = defaultRejection
	}
	return &SubmissionError{Message: msg, Err: err}
}
