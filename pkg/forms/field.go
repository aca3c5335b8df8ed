package forms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType identifies the type of form field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldPassword FieldType = "password"
	FieldNumber   FieldType = "number"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
	FieldDate     FieldType = "date"
	FieldHidden   FieldType = "hidden"
)

// DateLayout is the wire format of date fields.
const DateLayout = "2006-01-02"

// Field is one input owned by a wizard step.
type Field struct {
	// Name is the key the value is stored under.
	Name string `json:"name" yaml:"name"`

	Type        FieldType `json:"type" yaml:"type"`
	Label       string    `json:"label,omitempty" yaml:"label,omitempty"`
	Placeholder string    `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`

	// Help is shown below the input.
	Help string `json:"help,omitempty" yaml:"help,omitempty"`

	// Options are the choices of select fields.
	Options []Option `json:"options,omitempty" yaml:"options,omitempty"`

	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// Rules run in declaration order; the first failure is reported.
	Rules []Rule `json:"-" yaml:"-" msgpack:"-"`
}

// Option represents a select option.
type Option struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// FieldOption is a function that configures a field.
type FieldOption func(*Field)

// NewField creates a new field.
func NewField(name string, fieldType FieldType, label string, opts ...FieldOption) Field {
	field := Field{
		Name:  name,
		Type:  fieldType,
		Label: label,
	}
	for _, opt := range opts {
		opt(&field)
	}
	return field
}

// WithRules appends validation rules.
func WithRules(rules ...Rule) FieldOption {
	return func(f *Field) {
		f.Rules = append(f.Rules, rules...)
	}
}

// WithRequired prepends a required rule.
func WithRequired(msg ...string) FieldOption {
	return func(f *Field) {
		f.Rules = append([]Rule{Required(msg...)}, f.Rules...)
	}
}

// WithPlaceholder sets the placeholder text.
func WithPlaceholder(placeholder string) FieldOption {
	return func(f *Field) {
		f.Placeholder = placeholder
	}
}

// WithHelp sets the help text.
func WithHelp(help string) FieldOption {
	return func(f *Field) {
		f.Help = help
	}
}

// WithDefault sets the default value.
func WithDefault(value any) FieldOption {
	return func(f *Field) {
		f.Default = value
	}
}

// WithOptions sets the select options.
func WithOptions(options ...Option) FieldOption {
	return func(f *Field) {
		f.Options = options
	}
}

// Required reports whether the field carries a required rule.
func (f Field) Required() bool {
	for _, r := range f.Rules {
		if r != nil && r.Kind() == KindRequired {
			return true
		}
	}
	return false
}

// Validate runs the field's rules against values.
func (f Field) Validate(values Values) (string, bool) {
	return Check(f.Rules, values[f.Name], values)
}

// DisplayLabel returns the label or the field name.
func (f Field) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// Coerce converts raw user input into the value type of the field: checkboxes
// become bools, numbers float64 and dates time.Time. Blank input stays "".
func (f Field) Coerce(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	switch f.Type {
	case FieldCheckbox:
		return isTruthy(trimmed), nil
	case FieldNumber:
		if trimmed == "" {
			return "", nil
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("forms: %s: %q is not a number", f.Name, raw)
		}
		return n, nil
	case FieldDate:
		if trimmed == "" {
			return "", nil
		}
		t, err := time.Parse(DateLayout, trimmed)
		if err != nil {
			return nil, fmt.Errorf("forms: %s: %q is not a date (YYYY-MM-DD)", f.Name, raw)
		}
		return t, nil
	case FieldPassword:
		return raw, nil
	default:
		return trimmed, nil
	}
}

// TextField creates a text field.
func TextField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldText, label, opts...)
}

// EmailField creates an email field with an Email rule.
func EmailField(name, label string, opts ...FieldOption) Field {
	field := NewField(name, FieldEmail, label, opts...)
	field.Rules = append(field.Rules, Email())
	return field
}

// PasswordField creates a password field.
func PasswordField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldPassword, label, opts...)
}

// NumberField creates a number field.
func NumberField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldNumber, label, opts...)
}

// TextareaField creates a textarea field.
func TextareaField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldTextarea, label, opts...)
}

// SelectField creates a select field.
func SelectField(name, label string, options []Option, opts ...FieldOption) Field {
	field := NewField(name, FieldSelect, label, opts...)
	field.Options = options
	return field
}

// CheckboxField creates a checkbox field.
func CheckboxField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldCheckbox, label, opts...)
}

// DateField creates a date field.
func DateField(name, label string, opts ...FieldOption) Field {
	return NewField(name, FieldDate, label, opts...)
}
