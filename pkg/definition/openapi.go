package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// OpenAPI extensions read from request body properties.
const (
	ExtStep      = "x-wizard-step"
	ExtStepTitle = "x-wizard-step-title"
	ExtOrder     = "x-wizard-order"
	ExtEquals    = "x-wizard-equals"
	ExtLabel     = "x-wizard-label"
	ExtUnique    = "x-wizard-unique"
)

// ErrOperationNotFound is returned when the document has no such operation.
var ErrOperationNotFound = errors.New("definition: operation not found")

// FromOpenAPI builds a definition from the JSON request body of operationID.
// Properties are grouped into steps by x-wizard-step (default 1) and ordered
// by x-wizard-order, then by name.
func FromOpenAPI(ctx context.Context, raw []byte, operationID string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loader := &openapi3.Loader{Context: ctx}
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("definition: load openapi document: %w", err)
	}

	path, op := findOperation(doc, operationID)
	if op == nil {
		return nil, fmt.Errorf("%w: %q", ErrOperationNotFound, operationID)
	}
	schema := requestSchema(op)
	if schema == nil || len(schema.Properties) == 0 {
		return nil, fmt.Errorf("%w: %s has no JSON request body properties", ErrInvalidDefinition, operationID)
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	type prop struct {
		name  string
		step  int
		order int
		field forms.Field
	}
	var props []prop
	titles := make(map[int]string)
	unique := ""

	for name, ref := range schema.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		s := ref.Value
		step := intExtension(s.Extensions, ExtStep, 1)
		if step < 1 {
			return nil, fmt.Errorf("%w: %s property %q has step %d", ErrInvalidDefinition, operationID, name, step)
		}
		if title, ok := s.Extensions[ExtStepTitle].(string); ok && titles[step] == "" {
			titles[step] = title
		}
		if b, ok := s.Extensions[ExtUnique].(bool); ok && b {
			unique = name
		}
		field, err := fieldFromSchema(name, s, required[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %s property %q: %w", ErrInvalidDefinition, operationID, name, err)
		}
		props = append(props, prop{name: name, step: step, order: intExtension(s.Extensions, ExtOrder, 0), field: field})
	}

	sort.Slice(props, func(i, j int) bool {
		a, b := props[i], props[j]
		if a.step != b.step {
			return a.step < b.step
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.name < b.name
	})

	byStep := make(map[int][]forms.Field)
	var indices []int
	for _, p := range props {
		if _, seen := byStep[p.step]; !seen {
			indices = append(indices, p.step)
		}
		byStep[p.step] = append(byStep[p.step], p.field)
	}

	// Step numbers in the document only order the steps; gaps are closed.
	var steps []wizard.Step
	for _, idx := range indices {
		steps = append(steps, wizard.Step{Title: titles[idx], Fields: byStep[idx]})
	}
	steps = wizard.Renumber(steps)

	def := &Definition{
		ID:          operationID,
		Title:       op.Summary,
		Description: op.Description,
		Endpoint:    path,
		Unique:      unique,
		Steps:       steps,
		Source:      "openapi:" + operationID,
	}
	if err := wizard.CheckSteps(def.Steps); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, operationID, err)
	}
	if err := checkReferences(def); err != nil {
		return nil, err
	}
	return def, nil
}

func findOperation(doc *openapi3.T, operationID string) (string, *openapi3.Operation) {
	if doc.Paths == nil {
		return "", nil
	}
	for path, item := range doc.Paths.Map() {
		if item == nil {
			continue
		}
		for _, op := range item.Operations() {
			if op != nil && op.OperationID == operationID {
				return path, op
			}
		}
	}
	return "", nil
}

func requestSchema(op *openapi3.Operation) *openapi3.Schema {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	mt := op.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

func fieldFromSchema(name string, s *openapi3.Schema, required bool) (forms.Field, error) {
	label := s.Title
	if l, ok := s.Extensions[ExtLabel].(string); ok {
		label = l
	}

	ft := forms.FieldText
	switch {
	case s.Format == "email":
		ft = forms.FieldEmail
	case s.Format == "password":
		ft = forms.FieldPassword
	case s.Format == "date" || s.Format == "date-time":
		ft = forms.FieldDate
	case len(s.Enum) > 0:
		ft = forms.FieldSelect
	case s.Type != nil && s.Type.Is(openapi3.TypeBoolean):
		ft = forms.FieldCheckbox
	case s.Type != nil && (s.Type.Is(openapi3.TypeInteger) || s.Type.Is(openapi3.TypeNumber)):
		ft = forms.FieldNumber
	case s.MaxLength != nil && *s.MaxLength > 255:
		ft = forms.FieldTextarea
	}

	field := forms.NewField(name, ft, label, forms.WithHelp(s.Description), forms.WithDefault(s.Default))
	for _, v := range s.Enum {
		str := fmt.Sprint(v)
		field.Options = append(field.Options, forms.Option{Value: str, Label: str})
	}

	if required {
		field.Rules = append(field.Rules, forms.Required())
	}
	if s.Format == "email" {
		field.Rules = append(field.Rules, forms.Email())
	}
	if s.Pattern != "" {
		rule, err := forms.CompilePattern(s.Pattern)
		if err != nil {
			return forms.Field{}, err
		}
		field.Rules = append(field.Rules, rule)
	}
	if s.MinLength > 0 {
		field.Rules = append(field.Rules, forms.MinLength(int(s.MinLength)))
	}
	if s.MaxLength != nil {
		field.Rules = append(field.Rules, forms.MaxLength(int(*s.MaxLength)))
	}
	if other, ok := s.Extensions[ExtEquals].(string); ok && other != "" {
		field.Rules = append(field.Rules, forms.EqualsField(other))
	}
	return field, nil
}

func intExtension(ext map[string]any, key string, fallback int) int {
	switch v := ext[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}
