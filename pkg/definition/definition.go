// Package definition describes wizards declaratively. Definitions are read
// from YAML files or derived from an OpenAPI request body, and turned into
// the steps a wizard.Controller runs.
package definition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// ErrInvalidDefinition is returned for definitions that cannot be turned
// into a wizard.
var ErrInvalidDefinition = errors.New("definition: invalid")

// Definition is a complete wizard description.
type Definition struct {
	ID          string
	Title       string
	Description string
	// Endpoint is the backend path the values are posted to.
	Endpoint string
	// Unique names the field that identifies a submission, e.g. "username".
	Unique string
	Steps  []wizard.Step
	Source string
}

// FieldNames returns the names of all fields across steps.
func (d *Definition) FieldNames() []string {
	var names []string
	for _, s := range d.Steps {
		names = append(names, s.FieldNames()...)
	}
	return names
}

type document struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Endpoint    string     `yaml:"endpoint"`
	Unique      string     `yaml:"unique"`
	Steps       []stepFile `yaml:"steps"`
}

type stepFile struct {
	Title  string      `yaml:"title"`
	Fields []fieldFile `yaml:"fields"`
}

type fieldFile struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Label       string         `yaml:"label"`
	Placeholder string         `yaml:"placeholder"`
	Help        string         `yaml:"help"`
	Options     []forms.Option `yaml:"options"`
	Default     any            `yaml:"default"`
	Rules       []ruleFile     `yaml:"rules"`
}

// ruleFile holds exactly one rule key plus an optional message.
type ruleFile struct {
	Required    bool   `yaml:"required"`
	Pattern     string `yaml:"pattern"`
	MinLength   *int   `yaml:"minLength"`
	MaxLength   *int   `yaml:"maxLength"`
	EqualsField string `yaml:"equalsField"`
	Custom      string `yaml:"custom"`
	Message     string `yaml:"message"`
}

var fieldTypes = map[string]forms.FieldType{
	"":         forms.FieldText,
	"text":     forms.FieldText,
	"email":    forms.FieldEmail,
	"password": forms.FieldPassword,
	"number":   forms.FieldNumber,
	"textarea": forms.FieldTextarea,
	"select":   forms.FieldSelect,
	"checkbox": forms.FieldCheckbox,
	"date":     forms.FieldDate,
	"hidden":   forms.FieldHidden,
}

// Parse reads a YAML definition. Custom rules are resolved against reg,
// which may be nil when the definition uses none.
func Parse(data []byte, reg *forms.CustomRegistry) (*Definition, error) {
	return parse(data, "", reg)
}

func parse(data []byte, source string, reg *forms.CustomRegistry) (*Definition, error) {
	var doc document
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("definition: parse %s: %w", sourceName(source), err)
	}
	def, err := build(doc, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sourceName(source), err)
	}
	def.Source = source
	return def, nil
}

func build(doc document, reg *forms.CustomRegistry) (*Definition, error) {
	id := strings.TrimSpace(doc.ID)
	if id == "" && strings.TrimSpace(doc.Title) != "" {
		id = slug.Make(doc.Title)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, id)
	}

	def := &Definition{
		ID:          id,
		Title:       doc.Title,
		Description: doc.Description,
		Endpoint:    doc.Endpoint,
		Unique:      doc.Unique,
	}
	for i, sf := range doc.Steps {
		step := wizard.Step{Index: i + 1, Title: sf.Title}
		for _, ff := range sf.Fields {
			field, err := buildField(ff, reg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s step %d: %w", ErrInvalidDefinition, id, i+1, err)
			}
			step.Fields = append(step.Fields, field)
		}
		def.Steps = append(def.Steps, step)
	}

	if err := wizard.CheckSteps(def.Steps); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, id, err)
	}
	if err := checkReferences(def); err != nil {
		return nil, err
	}
	return def, nil
}

func buildField(ff fieldFile, reg *forms.CustomRegistry) (forms.Field, error) {
	name := strings.TrimSpace(ff.Name)
	if name == "" {
		return forms.Field{}, errors.New("field without name")
	}
	ft, ok := fieldTypes[strings.ToLower(ff.Type)]
	if !ok {
		return forms.Field{}, fmt.Errorf("field %q: unknown type %q", name, ff.Type)
	}

	field := forms.NewField(name, ft, ff.Label,
		forms.WithPlaceholder(ff.Placeholder),
		forms.WithHelp(ff.Help),
		forms.WithOptions(ff.Options...),
		forms.WithDefault(ff.Default),
	)
	for i, rf := range ff.Rules {
		rule, err := buildRule(rf, reg)
		if err != nil {
			return forms.Field{}, fmt.Errorf("field %q rule %d: %w", name, i+1, err)
		}
		field.Rules = append(field.Rules, rule)
	}
	return field, nil
}

func buildRule(rf ruleFile, reg *forms.CustomRegistry) (forms.Rule, error) {
	kinds := 0
	var rule forms.Rule
	var err error

	if rf.Required {
		kinds++
		rule = forms.Required(rf.Message)
	}
	if rf.Pattern != "" {
		kinds++
		rule, err = forms.CompilePattern(rf.Pattern, rf.Message)
	}
	if rf.MinLength != nil {
		kinds++
		rule = forms.MinLength(*rf.MinLength, rf.Message)
	}
	if rf.MaxLength != nil {
		kinds++
		rule = forms.MaxLength(*rf.MaxLength, rf.Message)
	}
	if rf.EqualsField != "" {
		kinds++
		rule = forms.EqualsField(rf.EqualsField, rf.Message)
	}
	if rf.Custom != "" {
		kinds++
		if reg == nil {
			return nil, fmt.Errorf("%w: %q (no registry)", forms.ErrUnknownValidator, rf.Custom)
		}
		rule, err = reg.Rule(rf.Custom, rf.Message)
	}

	switch {
	case err != nil:
		return nil, err
	case kinds == 0:
		return nil, errors.New("rule has no kind")
	case kinds > 1:
		return nil, errors.New("rule declares more than one kind")
	}
	return rule, nil
}

// checkReferences makes sure equalsField targets exist somewhere in the wizard.
func checkReferences(def *Definition) error {
	known := make(map[string]struct{})
	for _, name := range def.FieldNames() {
		if _, dup := known[name]; dup {
			return fmt.Errorf("%w: %s declares field %q twice", ErrInvalidDefinition, def.ID, name)
		}
		known[name] = struct{}{}
	}
	for _, s := range def.Steps {
		for _, f := range s.Fields {
			for _, r := range f.Rules {
				eq, ok := r.(forms.EqualsFieldRule)
				if !ok {
					continue
				}
				if _, exists := known[eq.Other]; !exists {
					return fmt.Errorf("%w: %s field %q equals unknown field %q", ErrInvalidDefinition, def.ID, f.Name, eq.Other)
				}
			}
		}
	}
	if def.Unique != "" {
		if _, exists := known[def.Unique]; !exists {
			return fmt.Errorf("%w: %s unique field %q is not declared", ErrInvalidDefinition, def.ID, def.Unique)
		}
	}
	return nil
}

func sourceName(source string) string {
	if source == "" {
		return "definition"
	}
	return source
}
