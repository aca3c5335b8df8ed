package forms

import "sort"

// Errors maps a field name to the single message currently shown for it.
type Errors map[string]string

// Set records msg for field, replacing any previous message.
func (e Errors) Set(field, msg string) {
	e[field] = msg
}

// Clear drops the message for field.
func (e Errors) Clear(field string) {
	delete(e, field)
}

// Get returns the message for field, or "".
func (e Errors) Get(field string) string {
	return e[field]
}

// Has reports whether field has a message.
func (e Errors) Has(field string) bool {
	_, ok := e[field]
	return ok
}

// First returns the first message among fields, in the given order.
func (e Errors) First(fields ...string) (string, string, bool) {
	for _, f := range fields {
		if msg, ok := e[f]; ok {
			return f, msg, true
		}
	}
	return "", "", false
}

// Clone returns a copy of the map.
func (e Errors) Clone() Errors {
	out := make(Errors, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Fields returns the names with messages, sorted.
func (e Errors) Fields() []string {
	names := make([]string, 0, len(e))
	for k := range e {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
