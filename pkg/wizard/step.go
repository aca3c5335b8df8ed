package wizard

import (
	"fmt"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
)

// Step is one page of a wizard. Index is 1-based and steps form a gapless
// sequence 1..N.
type Step struct {
	Index  int           `json:"index" yaml:"index" msgpack:"index"`
	Title  string        `json:"title" yaml:"title" msgpack:"title"`
	Fields []forms.Field `json:"fields" yaml:"fields" msgpack:"fields"`
}

// RequiredFields returns, in declaration order, the names of the fields that
// must validate before the step counts as complete.
func (s Step) RequiredFields() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if len(f.Rules) > 0 {
			names = append(names, f.Name)
		}
	}
	return names
}

// FieldNames returns every field name of the step.
func (s Step) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Field returns the named field.
func (s Step) Field(name string) (forms.Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return forms.Field{}, false
}

// CheckSteps reports whether steps can drive a controller.
func CheckSteps(steps []Step) error {
	return checkSteps(steps)
}

func checkSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidSteps)
	}
	for i, s := range steps {
		if s.Index != i+1 {
			return fmt.Errorf("%w: step at position %d has index %d", ErrInvalidSteps, i+1, s.Index)
		}
		seen := make(map[string]struct{}, len(s.Fields))
		for _, f := range s.Fields {
			if f.Name == "" {
				return fmt.Errorf("%w: step %d has an unnamed field", ErrInvalidSteps, s.Index)
			}
			if _, dup := seen[f.Name]; dup {
				return fmt.Errorf("%w: step %d declares %q twice", ErrInvalidSteps, s.Index, f.Name)
			}
			seen[f.Name] = struct{}{}
		}
	}
	return nil
}

// Renumber returns a copy of steps with indices assigned 1..N in order.
func Renumber(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Index = i + 1
		out[i] = s
	}
	return out
}
