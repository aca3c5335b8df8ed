package forms

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorPayload(t *testing.T) {
	fields := []string{"username", "email", "password"}
	payload := map[string][]string{
		"user.username":          {"taken", " taken "},
		"/data/attributes/email": {"invalid"},
		"#/body/password":        {"too weak"},
		"non_field_errors":       {"Registration closed"},
		"unknown.path":           {"Something else"},
		"errors.email":           {"", "invalid"},
	}

	got := MapErrorPayload(fields, payload)

	want := map[string][]string{
		"username": {"taken"},
		"email":    {"invalid"},
		"password": {"too weak"},
	}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Errorf("field errors mismatch (-want +got):\n%s", diff)
	}
	assert.ElementsMatch(t, []string{"Registration closed", "Something else"}, got.Form)

	flat := got.FieldErrors()
	assert.Equal(t, "taken", flat.Get("username"))
}

func TestMapErrorPayload_Empty(t *testing.T) {
	got := MapErrorPayload([]string{"a"}, nil)
	assert.Nil(t, got.Fields)
	assert.Nil(t, got.Form)
}

func TestErrors_Helpers(t *testing.T) {
	e := Errors{}
	e.Set("b", "bad b")
	e.Set("a", "bad a")
	assert.True(t, e.Has("a"))

	field, msg, ok := e.First("c", "b", "a")
	assert.True(t, ok)
	assert.Equal(t, "b", field)
	assert.Equal(t, "bad b", msg)

	c := e.Clone()
	e.Clear("a")
	assert.False(t, e.Has("a"))
	assert.True(t, c.Has("a"))
	assert.Equal(t, []string{"a", "b"}, c.Fields())
}

func TestCustomRegistry(t *testing.T) {
	r := NewCustomRegistry()
	r.Register("odd", func(v any, _ Values) error { return nil })

	rule, err := r.Rule("odd", "msg")
	assert.NoError(t, err)
	assert.Equal(t, KindCustom, rule.Kind())

	_, err = r.Rule("missing")
	assert.ErrorIs(t, err, ErrUnknownValidator)
	assert.Equal(t, []string{"odd"}, r.Names())
}
