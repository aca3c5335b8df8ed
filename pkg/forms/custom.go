package forms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownValidator is returned when a custom rule names a predicate that
// was never registered.
var ErrUnknownValidator = errors.New("forms: unknown custom validator")

// CustomRegistry holds named predicates for declarative definitions.
type CustomRegistry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewCustomRegistry creates an empty registry.
func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{preds: make(map[string]Predicate)}
}

// Register adds fn under name, replacing any previous predicate.
func (r *CustomRegistry) Register(name string, fn Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = fn
}

// Lookup returns the predicate registered under name.
func (r *CustomRegistry) Lookup(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.preds[name]
	return fn, ok
}

// Rule builds a custom rule for name.
func (r *CustomRegistry) Rule(name string, msg ...string) (Rule, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, name)
	}
	return Custom(name, fn, msg...), nil
}

// Names lists registered predicates, sorted.
func (r *CustomRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.preds))
	for name := range r.preds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
