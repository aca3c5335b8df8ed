// Package terminal runs a wizard as a sequence of terminal prompts.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

var (
	// ErrAborted is returned when the user interrupts a prompt.
	ErrAborted = errors.New("terminal: aborted")
	// ErrQuit is returned when the user picks quit.
	ErrQuit = errors.New("terminal: quit")
)

// Action is what the user does once a step's fields are filled in.
type Action string

const (
	ActionContinue Action = "Continue"
	ActionSubmit   Action = "Submit"
	ActionBack     Action = "Back"
	ActionJump     Action = "Jump to step"
	ActionQuit     Action = "Quit"
)

// Runner drives a controller from a PromptDriver.
type Runner struct {
	ctrl   *wizard.Controller
	driver PromptDriver
	logger logging.Logger
	title  string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTitle prints title before the first step.
func WithTitle(title string) Option {
	return func(r *Runner) {
		r.title = title
	}
}

// NewRunner creates a runner. A nil driver prompts on the terminal.
func NewRunner(ctrl *wizard.Controller, driver PromptDriver, opts ...Option) *Runner {
	if driver == nil {
		driver = NewSurveyDriver(nil)
	}
	r := &Runner{ctrl: ctrl, driver: driver, logger: logging.NopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run prompts step by step until the wizard is submitted, the user quits or
// a prompt fails. Rejected submissions are shown and the last step is asked
// again with its values kept.
func (r *Runner) Run(ctx context.Context) (*wizard.Receipt, error) {
	if r.title != "" {
		if err := r.driver.Info(ctx, r.title); err != nil {
			return nil, err
		}
	}
	for {
		st := r.ctrl.State()
		if st.Status == wizard.StatusSubmitted {
			return r.ctrl.Receipt(), nil
		}
		step, err := r.ctrl.Step(st.CurrentStep)
		if err != nil {
			return nil, err
		}

		header := fmt.Sprintf("Step %d of %d", step.Index, st.TotalSteps)
		if step.Title != "" {
			header += ": " + step.Title
		}
		if err := r.driver.Info(ctx, header); err != nil {
			return nil, err
		}
		if st.LastError != "" {
			if err := r.driver.Info(ctx, "! "+st.LastError); err != nil {
				return nil, err
			}
		}

		if err := r.fillStep(ctx, step, st); err != nil {
			return nil, err
		}

		action, err := r.chooseAction(ctx, r.ctrl.State())
		if err != nil {
			return nil, err
		}
		done, err := r.apply(ctx, action)
		if err != nil {
			return nil, err
		}
		if done {
			receipt := r.ctrl.Receipt()
			msg := "Submitted"
			if receipt != nil && receipt.ID != "" {
				msg += " (" + receipt.ID + ")"
			}
			return receipt, r.driver.Info(ctx, msg)
		}
	}
}

func (r *Runner) fillStep(ctx context.Context, step wizard.Step, st wizard.State) error {
	for _, f := range step.Fields {
		if f.Type == forms.FieldHidden {
			continue
		}
		if msg := st.Errors.Get(f.Name); msg != "" {
			if err := r.driver.Info(ctx, fmt.Sprintf("! %s: %s", f.DisplayLabel(), msg)); err != nil {
				return err
			}
		}
		value, err := r.ask(ctx, f, st.Values)
		if err != nil {
			return err
		}
		if err := r.ctrl.SetField(f.Name, value); err != nil {
			return err
		}
	}
	return nil
}

// ask prompts for one field until the input converts to the field's type.
func (r *Runner) ask(ctx context.Context, f forms.Field, values forms.Values) (any, error) {
	current, ok := values[f.Name]
	if !ok {
		current = f.Default
	}
	cfg := InputConfig{Message: f.DisplayLabel(), Default: display(current), Help: f.Help}

	switch f.Type {
	case forms.FieldCheckbox:
		on, _ := current.(bool)
		return r.driver.Confirm(ctx, ConfirmConfig{Message: f.DisplayLabel(), Default: on, Help: f.Help})
	case forms.FieldSelect:
		labels := make([]string, len(f.Options))
		def := -1
		for i, opt := range f.Options {
			labels[i] = opt.Label
			if labels[i] == "" {
				labels[i] = opt.Value
			}
			if opt.Value == cfg.Default {
				def = i
			}
		}
		i, err := r.driver.Select(ctx, SelectConfig{Message: f.DisplayLabel(), Options: labels, DefaultIndex: def, Help: f.Help})
		if err != nil {
			return nil, err
		}
		if i < 0 || i >= len(f.Options) {
			return nil, fmt.Errorf("terminal: %s: option %d out of range", f.Name, i)
		}
		return f.Options[i].Value, nil
	}

	for {
		var (
			raw string
			err error
		)
		switch f.Type {
		case forms.FieldPassword:
			raw, err = r.driver.Password(ctx, cfg)
		case forms.FieldTextarea:
			raw, err = r.driver.TextArea(ctx, cfg)
		default:
			raw, err = r.driver.Input(ctx, cfg)
		}
		if err != nil {
			return nil, err
		}
		value, err := f.Coerce(raw)
		if err == nil {
			return value, nil
		}
		r.logger.Debug("input rejected", logging.String("field", f.Name), logging.Err(err))
		if err := r.driver.Info(ctx, "! "+err.Error()); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) chooseAction(ctx context.Context, st wizard.State) (Action, error) {
	actions := []Action{ActionContinue}
	if st.CurrentStep == st.TotalSteps {
		actions[0] = ActionSubmit
	}
	if st.CurrentStep > 1 {
		actions = append(actions, ActionBack)
	}
	if len(r.jumpTargets(st)) > 0 {
		actions = append(actions, ActionJump)
	}
	actions = append(actions, ActionQuit)

	labels := make([]string, len(actions))
	for i, a := range actions {
		labels[i] = string(a)
	}
	i, err := r.driver.Select(ctx, SelectConfig{Message: "Next", Options: labels})
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(actions) {
		return "", fmt.Errorf("terminal: action %d out of range", i)
	}
	return actions[i], nil
}

// apply performs action and reports whether the wizard was submitted.
func (r *Runner) apply(ctx context.Context, action Action) (bool, error) {
	switch action {
	case ActionContinue, ActionSubmit:
		outcome, err := r.ctrl.AdvanceOrSubmit(ctx)
		if outcome == wizard.OutcomeRejected {
			r.logger.Info("submission rejected", logging.Err(err))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return outcome == wizard.OutcomeSubmitted, nil
	case ActionBack:
		return false, r.ctrl.Retreat()
	case ActionJump:
		return false, r.jump(ctx)
	case ActionQuit:
		return false, ErrQuit
	}
	return false, fmt.Errorf("terminal: unknown action %q", action)
}

func (r *Runner) jump(ctx context.Context) error {
	targets := r.jumpTargets(r.ctrl.State())
	labels := make([]string, len(targets))
	for i, t := range targets {
		labels[i] = fmt.Sprintf("Step %d", t.Index)
		if t.Title != "" {
			labels[i] += ": " + t.Title
		}
	}
	i, err := r.driver.Select(ctx, SelectConfig{Message: "Go to", Options: labels})
	if err != nil {
		return err
	}
	if i < 0 || i >= len(targets) {
		return fmt.Errorf("terminal: step choice %d out of range", i)
	}
	// A refused jump leaves the errors of the current step in the state; the
	// next round shows them.
	_, err = r.ctrl.JumpTo(targets[i].Index)
	return err
}

func (r *Runner) jumpTargets(st wizard.State) []wizard.Step {
	var out []wizard.Step
	for _, step := range r.ctrl.Steps() {
		if step.Index != st.CurrentStep && st.IsVisited(step.Index) {
			out = append(out, step)
		}
	}
	return out
}

func display(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(forms.DateLayout)
	default:
		return fmt.Sprint(v)
	}
}
