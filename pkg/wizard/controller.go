// Package wizard implements the stepped form controller: a linear sequence of
// steps, each gating forward progress on its own validation, with free
// navigation back to steps already reached and a single terminal submission.
//
// A Controller is owned by one host (a live session, a terminal runner). All
// methods are safe for concurrent use so that the host may deliver edits while
// a submission is in flight; the lock is never held across the submit call.
package wizard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
)

// Controller drives one wizard session.
type Controller struct {
	mu sync.Mutex

	id        string
	steps     []Step
	onSubmit  SubmitFunc
	logger    logging.Logger
	observers []func(State)

	current   int
	values    forms.Values
	errors    forms.Errors
	completed intSet
	visited   intSet
	status    Status
	lastError string
	receipt   *Receipt

	inFlight bool
	mounted  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for transitions and submissions.
func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithID sets the instance id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// WithObserver registers fn to receive the state after every change. Observers
// run outside the controller lock, in registration order.
func WithObserver(fn func(State)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// New creates a controller positioned on step 1 with no values.
func New(steps []Step, onSubmit SubmitFunc, opts ...Option) (*Controller, error) {
	if err := checkSteps(steps); err != nil {
		return nil, err
	}
	if onSubmit == nil {
		return nil, ErrNoSubmitFunc
	}

	c := &Controller{
		id:       uuid.NewString(),
		steps:    append([]Step(nil), steps...),
		onSubmit: onSubmit,
		logger:   logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.Wizard(c.id))
	c.resetLocked()
	c.mounted = true

	c.logger.Debug("wizard initialized", logging.Int("steps", len(c.steps)))
	return c, nil
}

// MustNew is like New but panics on malformed steps.
func MustNew(steps []Step, onSubmit SubmitFunc, opts ...Option) *Controller {
	c, err := New(steps, onSubmit, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Restore rebuilds a controller from a snapshot taken with Snapshot. The
// restored wizard is always editing; an interrupted submission is not resumed.
func Restore(steps []Step, onSubmit SubmitFunc, snap Snapshot, opts ...Option) (*Controller, error) {
	if snap.ID != "" {
		opts = append([]Option{WithID(snap.ID)}, opts...)
	}
	c, err := New(steps, onSubmit, opts...)
	if err != nil {
		return nil, err
	}

	n := len(steps)
	if snap.CurrentStep < 1 || snap.CurrentStep > n {
		return nil, fmt.Errorf("%w: current step %d out of 1..%d", ErrInvalidSnapshot, snap.CurrentStep, n)
	}
	for _, i := range append(append([]int(nil), snap.Completed...), snap.Visited...) {
		if i < 1 || i > n {
			return nil, fmt.Errorf("%w: step %d out of 1..%d", ErrInvalidSnapshot, i, n)
		}
	}

	c.current = snap.CurrentStep
	if snap.Values != nil {
		c.values = snap.Values.Clone()
	}
	if snap.Errors != nil {
		c.errors = snap.Errors.Clone()
	}
	c.completed = newIntSet(snap.Completed...)
	c.visited = newIntSet(snap.Visited...)
	c.visited.add(1)
	c.visited.add(c.current)
	c.lastError = snap.LastError

	c.logger.Debug("wizard restored", logging.Step(c.current))
	return c, nil
}

// ID returns the instance id.
func (c *Controller) ID() string {
	return c.id
}

// Steps returns the step definitions.
func (c *Controller) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// TotalSteps returns N.
func (c *Controller) TotalSteps() int {
	return len(c.steps)
}

// Step returns the definition of step i.
func (c *Controller) Step(i int) (Step, error) {
	if i < 1 || i > len(c.steps) {
		return Step{}, fmt.Errorf("%w: %d", ErrUnknownStep, i)
	}
	return c.steps[i-1], nil
}

// State returns a copy of the current form state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Receipt returns what the sink reported after a successful submission.
func (c *Controller) Receipt() *Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipt
}

// Snapshot exports the in-progress state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.id,
		CurrentStep: c.current,
		Values:      c.values.Clone(),
		Errors:      c.errors.Clone(),
		Completed:   c.completed.sorted(),
		Visited:     c.visited.sorted(),
		LastError:   c.lastError,
	}
}

// SetField stores value under name and clears any message shown for it.
// Edits are accepted while a submission is in flight; they apply to the next
// attempt only.
func (c *Controller) SetField(name string, value any) error {
	c.mu.Lock()
	if err := c.guardLocked(false); err != nil {
		c.mu.Unlock()
		return err
	}
	c.values[name] = value
	c.errors.Clear(name)
	c.recoverLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// ValidateStep runs the rules of every field of step i against the current
// values. Failing fields get the message of their first failing rule and
// passing fields lose theirs. The current step and completed set are left
// alone.
func (c *Controller) ValidateStep(i int) (bool, error) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return false, ErrUnmounted
	}
	if i < 1 || i > len(c.steps) {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownStep, i)
	}
	ok := c.validateLocked(i)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return ok, nil
}

// Advance validates the current step and, when it passes, marks it completed
// and moves to the next one. On failure only the error messages change.
func (c *Controller) Advance() (bool, error) {
	c.mu.Lock()
	if err := c.guardLocked(true); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if c.current >= len(c.steps) {
		c.mu.Unlock()
		return false, ErrNoNextStep
	}
	ok := c.advanceLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return ok, nil
}

// AdvanceOrSubmit advances from any step but the last. On the last step it
// validates and then calls the submit func exactly once with a copy of the
// values. While that call runs further calls return OutcomeIgnored.
//
// A rejection leaves the wizard on the last step with its values intact, sets
// StatusFailed and returns the *SubmissionError. If the wizard is unmounted
// before the sink returns, the result is dropped and ErrUnmounted returned.
func (c *Controller) AdvanceOrSubmit(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.mounted && c.inFlight {
		c.mu.Unlock()
		c.logger.Debug("submit ignored, already in flight")
		return OutcomeIgnored, nil
	}
	if err := c.guardLocked(true); err != nil {
		c.mu.Unlock()
		return OutcomeInvalid, err
	}

	if c.current < len(c.steps) {
		ok := c.advanceLocked()
		st := c.stateLocked()
		c.mu.Unlock()
		c.notify(st)
		if !ok {
			return OutcomeInvalid, nil
		}
		return OutcomeAdvanced, nil
	}

	if !c.validateLocked(c.current) {
		c.recoverLocked()
		st := c.stateLocked()
		c.mu.Unlock()
		c.notify(st)
		return OutcomeInvalid, nil
	}

	payload := c.values.Clone()
	c.inFlight = true
	c.status = StatusSubmitting
	c.lastError = ""
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(st)

	c.logger.Info("submitting wizard", logging.Int("fields", len(payload)))
	receipt, err := c.onSubmit(WithSubmissionID(ctx, c.id), payload)

	c.mu.Lock()
	c.inFlight = false
	if !c.mounted {
		c.mu.Unlock()
		c.logger.Debug("submission result dropped after unmount")
		return OutcomeIgnored, ErrUnmounted
	}

	if err != nil {
		rejection := AsSubmissionError(err)
		c.status = StatusFailed
		c.lastError = rejection.Message
		for name, msg := range rejection.Fields {
			c.errors.Set(name, msg)
		}
		st = c.stateLocked()
		c.mu.Unlock()

		c.logger.Warn("submission rejected",
			logging.String("reason", rejection.Message),
			logging.Int("status", rejection.Status),
		)
		c.notify(st)
		return OutcomeRejected, rejection
	}

	c.completed.add(c.current)
	c.visited.add(c.current)
	c.status = StatusSubmitted
	c.receipt = receipt
	st = c.stateLocked()
	c.mu.Unlock()

	fields := []logging.Field{}
	if receipt != nil && receipt.ID != "" {
		fields = append(fields, logging.String("receipt_id", receipt.ID))
	}
	c.logger.Info("wizard submitted", fields...)
	c.notify(st)
	return OutcomeSubmitted, nil
}

// Retreat moves to the previous step without validating.
func (c *Controller) Retreat() error {
	c.mu.Lock()
	if err := c.guardLocked(true); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.current <= 1 {
		c.mu.Unlock()
		return ErrNoPreviousStep
	}
	c.current--
	c.recoverLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Debug("retreated", logging.Step(st.CurrentStep))
	c.notify(st)
	return nil
}

// JumpTo moves to a visited step. The step being left must validate first;
// when it does not, the jump is refused and its errors become visible.
// Jumping to the current step is a no-op.
func (c *Controller) JumpTo(i int) (bool, error) {
	c.mu.Lock()
	if err := c.guardLocked(true); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if i < 1 || i > len(c.steps) {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownStep, i)
	}
	if i == c.current {
		c.mu.Unlock()
		return true, nil
	}
	if !c.visited.has(i) {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrStepNotVisited, i)
	}

	ok := c.validateLocked(c.current)
	if ok {
		c.completed.add(c.current)
		c.visited.add(c.current)
		c.current = i
	}
	c.recoverLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	if ok {
		c.logger.Debug("jumped", logging.Step(i))
	}
	c.notify(st)
	return ok, nil
}

// Reset discards the session and starts over on step 1.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrUnmounted
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrSubmitInFlight
	}
	c.resetLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Debug("wizard reset")
	c.notify(st)
	return nil
}

// Unmount tears the wizard down. Every later call fails with ErrUnmounted
// and the result of an in-flight submission is discarded.
func (c *Controller) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return
	}
	c.mounted = false
	c.logger.Debug("wizard unmounted", logging.Bool("in_flight", c.inFlight))
}

// Mounted reports whether Unmount has not been called.
func (c *Controller) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

func (c *Controller) resetLocked() {
	c.current = 1
	c.values = forms.Values{}
	c.errors = forms.Errors{}
	c.completed = newIntSet()
	c.visited = newIntSet(1)
	c.status = StatusEditing
	c.lastError = ""
	c.receipt = nil
}

// guardLocked rejects changes after unmount or submission. Navigation is also
// rejected during a submission.
func (c *Controller) guardLocked(navigation bool) error {
	switch {
	case !c.mounted:
		return ErrUnmounted
	case c.status == StatusSubmitted:
		return ErrSubmitted
	case navigation && c.inFlight:
		return ErrSubmitInFlight
	}
	return nil
}

// recoverLocked leaves the failed state once the user acts again.
func (c *Controller) recoverLocked() {
	if c.status == StatusFailed {
		c.status = StatusEditing
	}
}

func (c *Controller) validateLocked(i int) bool {
	ok := true
	for _, f := range c.steps[i-1].Fields {
		if msg, valid := f.Validate(c.values); !valid {
			c.errors.Set(f.Name, msg)
			ok = false
		} else {
			c.errors.Clear(f.Name)
		}
	}
	return ok
}

func (c *Controller) advanceLocked() bool {
	c.recoverLocked()
	if !c.validateLocked(c.current) {
		c.logger.Debug("step invalid", logging.Step(c.current), logging.Int("errors", len(c.errors)))
		return false
	}
	c.completed.add(c.current)
	c.visited.add(c.current)
	c.current++
	c.visited.add(c.current)
	c.logger.Debug("advanced", logging.Step(c.current))
	return true
}

func (c *Controller) stateLocked() State {
	return State{
		ID:          c.id,
		CurrentStep: c.current,
		TotalSteps:  len(c.steps),
		Values:      c.values.Clone(),
		Errors:      c.errors.Clone(),
		Completed:   c.completed.sorted(),
		Visited:     c.visited.sorted(),
		Status:      c.status,
		LastError:   c.lastError,
	}
}

func (c *Controller) notify(st State) {
	for _, fn := range c.observers {
		fn(st)
	}
}
