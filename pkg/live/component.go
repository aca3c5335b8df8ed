// Package live serves wizards over websockets: each connection owns one
// component, and every user action comes back as a reply carrying the new
// wizard state.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Event errors.
var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("bad event payload")
	ErrNotMounted   = errors.New("component not mounted")
)

// Component is a stateful server-side entity driven by client events.
type Component interface {
	// Name returns the component type.
	Name() string

	// Mount is called once the connection has joined.
	Mount(ctx context.Context, params Params) error

	// HandleEvent applies one user action. The outcome is empty for events
	// that only edit or move.
	HandleEvent(ctx context.Context, event string, payload map[string]any) (wizard.Outcome, error)

	// State returns the current view.
	State() wizard.State

	// Snapshot returns what is needed to resume after a dropped connection.
	Snapshot() wizard.Snapshot

	// Terminate is called when the component is being destroyed.
	Terminate(ctx context.Context, reason TerminateReason) error
}

// Params are passed to Mount.
type Params struct {
	SessionID string

	// Resume, when set, is the snapshot of a dropped session.
	Resume *wizard.Snapshot

	// OnChange is called after every state change, outside any lock.
	OnChange func(wizard.State)
}

// TerminateReason indicates why a component is being terminated.
type TerminateReason int

const (
	// TerminateNormal is a client that left for good.
	TerminateNormal TerminateReason = iota
	// TerminateShutdown indicates server shutdown.
	TerminateShutdown
	// TerminateDropped is a connection lost without a leave message.
	TerminateDropped
	// TerminateError indicates termination due to an error.
	TerminateError
)

func (r TerminateReason) String() string {
	switch r {
	case TerminateNormal:
		return "normal"
	case TerminateShutdown:
		return "shutdown"
	case TerminateDropped:
		return "dropped"
	case TerminateError:
		return "error"
	default:
		return "unknown"
	}
}

// Resumable reports whether a session ended this way may be resumed.
func (r TerminateReason) Resumable() bool {
	return r == TerminateDropped || r == TerminateShutdown
}

// WizardComponent owns one wizard controller.
type WizardComponent struct {
	def      *definition.Definition
	submit   wizard.SubmitFunc
	logger   logging.Logger
	ctrl     *wizard.Controller
	handlers map[string]eventFunc
}

type eventFunc func(ctx context.Context, payload map[string]any) (wizard.Outcome, error)

var _ Component = (*WizardComponent)(nil)

// NewWizardComponent creates an unmounted component for def.
func NewWizardComponent(def *definition.Definition, submit wizard.SubmitFunc, logger logging.Logger) *WizardComponent {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	w := &WizardComponent{def: def, submit: submit, logger: logger}
	w.handlers = map[string]eventFunc{
		protocol.EventSetField: w.setField,
		protocol.EventAdvance:  w.advance,
		protocol.EventRetreat:  w.retreat,
		protocol.EventJump:     w.jump,
		protocol.EventSubmit:   w.advanceOrSubmit,
		protocol.EventReset:    w.reset,
	}
	return w
}

// Name returns the wizard id.
func (w *WizardComponent) Name() string {
	return w.def.ID
}

// Definition returns the wizard definition.
func (w *WizardComponent) Definition() *definition.Definition {
	return w.def
}

// Controller returns the mounted controller, or nil.
func (w *WizardComponent) Controller() *wizard.Controller {
	return w.ctrl
}

// Mount starts a fresh controller, or restores params.Resume.
func (w *WizardComponent) Mount(ctx context.Context, params Params) error {
	logger := w.logger.With(logging.String("definition", w.def.ID), logging.Session(params.SessionID))
	opts := []wizard.Option{wizard.WithLogger(logger)}
	if params.OnChange != nil {
		opts = append(opts, wizard.WithObserver(params.OnChange))
	}

	var (
		ctrl *wizard.Controller
		err  error
	)
	if params.Resume != nil {
		ctrl, err = wizard.Restore(w.def.Steps, w.submit, *params.Resume, opts...)
	} else {
		ctrl, err = w.def.NewController(w.submit, opts...)
	}
	if err != nil {
		return fmt.Errorf("live: mount %s: %w", w.def.ID, err)
	}
	w.ctrl = ctrl
	return nil
}

// HandleEvent dispatches one event to the controller.
func (w *WizardComponent) HandleEvent(ctx context.Context, event string, payload map[string]any) (wizard.Outcome, error) {
	if w.ctrl == nil {
		return "", ErrNotMounted
	}
	h, ok := w.handlers[event]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return h(ctx, payload)
}

// State returns the controller state.
func (w *WizardComponent) State() wizard.State {
	if w.ctrl == nil {
		return wizard.State{}
	}
	return w.ctrl.State()
}

// Snapshot returns the controller snapshot.
func (w *WizardComponent) Snapshot() wizard.Snapshot {
	if w.ctrl == nil {
		return wizard.Snapshot{}
	}
	return w.ctrl.Snapshot()
}

// Terminate unmounts the controller so a late submission result is dropped.
func (w *WizardComponent) Terminate(ctx context.Context, reason TerminateReason) error {
	if w.ctrl != nil {
		w.ctrl.Unmount()
	}
	return nil
}

// setField expects {name, value}. String values are converted by the
// field's type; numbers of any width become float64 on number fields.
func (w *WizardComponent) setField(ctx context.Context, payload map[string]any) (wizard.Outcome, error) {
	name, _ := payload["name"].(string)
	if name == "" {
		return "", fmt.Errorf("%w: set_field needs a name", ErrBadPayload)
	}
	value := payload["value"]
	if field, found := w.field(name); found {
		switch raw := value.(type) {
		case string:
			coerced, err := field.Coerce(raw)
			if err != nil {
				return "", fmt.Errorf("%w: %w", ErrBadPayload, err)
			}
			value = coerced
		case bool, nil:
		default:
			if field.Type == forms.FieldNumber {
				n, ok := forms.AsFloat(raw)
				if !ok {
					return "", fmt.Errorf("%w: %s: %v is not a number", ErrBadPayload, name, raw)
				}
				value = n
			}
		}
	}
	return "", w.ctrl.SetField(name, value)
}

func (w *WizardComponent) advance(ctx context.Context, _ map[string]any) (wizard.Outcome, error) {
	ok, err := w.ctrl.Advance()
	if err != nil {
		return "", err
	}
	if !ok {
		return wizard.OutcomeInvalid, nil
	}
	return wizard.OutcomeAdvanced, nil
}

func (w *WizardComponent) retreat(ctx context.Context, _ map[string]any) (wizard.Outcome, error) {
	return "", w.ctrl.Retreat()
}

func (w *WizardComponent) jump(ctx context.Context, payload map[string]any) (wizard.Outcome, error) {
	msg := protocol.Message{Payload: payload}
	step, ok := msg.GetPayloadInt("step")
	if !ok {
		return "", fmt.Errorf("%w: jump needs a whole step number", ErrBadPayload)
	}
	moved, err := w.ctrl.JumpTo(step)
	if err != nil {
		return "", err
	}
	if !moved {
		return wizard.OutcomeInvalid, nil
	}
	return "", nil
}

func (w *WizardComponent) advanceOrSubmit(ctx context.Context, _ map[string]any) (wizard.Outcome, error) {
	return w.ctrl.AdvanceOrSubmit(ctx)
}

func (w *WizardComponent) reset(ctx context.Context, _ map[string]any) (wizard.Outcome, error) {
	return "", w.ctrl.Reset()
}

func (w *WizardComponent) field(name string) (forms.Field, bool) {
	for _, step := range w.def.Steps {
		if f, ok := step.Field(name); ok {
			return f, true
		}
	}
	return forms.Field{}, false
}
