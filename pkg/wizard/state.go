package wizard

import (
	"sort"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
)

// Status is the phase of the wizard state machine.
type Status string

const (
	StatusEditing    Status = "editing"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	// StatusFailed follows a rejected submission. The next edit or navigation
	// returns the wizard to StatusEditing on the same step.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further change is accepted.
func (s Status) Terminal() bool {
	return s == StatusSubmitted
}

// Outcome is the result of AdvanceOrSubmit.
type Outcome string

const (
	OutcomeInvalid   Outcome = "invalid"
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	// OutcomeIgnored means a submission was already in flight.
	OutcomeIgnored Outcome = "ignored"
)

// State is a read-only copy of a wizard's form state.
type State struct {
	ID          string       `json:"id" msgpack:"id"`
	CurrentStep int          `json:"current_step" msgpack:"current_step"`
	TotalSteps  int          `json:"total_steps" msgpack:"total_steps"`
	Values      forms.Values `json:"values" msgpack:"values"`
	Errors      forms.Errors `json:"errors" msgpack:"errors"`
	Completed   []int        `json:"completed" msgpack:"completed"`
	Visited     []int        `json:"visited" msgpack:"visited"`
	Status      Status       `json:"status" msgpack:"status"`
	LastError   string       `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

// IsCompleted reports whether step i has passed validation at least once.
func (s State) IsCompleted(i int) bool {
	return containsInt(s.Completed, i)
}

// IsVisited reports whether step i can be jumped to.
func (s State) IsVisited(i int) bool {
	return containsInt(s.Visited, i)
}

// Snapshot is the portable form of an in-progress wizard.
type Snapshot struct {
	ID          string       `json:"id" msgpack:"id"`
	CurrentStep int          `json:"current_step" msgpack:"current_step"`
	Values      forms.Values `json:"values" msgpack:"values"`
	Errors      forms.Errors `json:"errors" msgpack:"errors"`
	Completed   []int        `json:"completed" msgpack:"completed"`
	Visited     []int        `json:"visited" msgpack:"visited"`
	LastError   string       `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

type intSet map[int]struct{}

func newIntSet(items ...int) intSet {
	s := make(intSet, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func (s intSet) add(i int) { s[i] = struct{}{} }

func (s intSet) has(i int) bool {
	_, ok := s[i]
	return ok
}

func (s intSet) sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func containsInt(items []int, v int) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}
