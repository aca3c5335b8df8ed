// Package forms provides the field and validation vocabulary shared by every
// wizard: typed field definitions, a closed set of validation rules, the value
// bag a wizard accumulates, and per-field error messages.
package forms

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// RuleKind identifies one of the supported rule variants.
type RuleKind string

const (
	KindRequired    RuleKind = "required"
	KindPattern     RuleKind = "pattern"
	KindMinLength   RuleKind = "minLength"
	KindMaxLength   RuleKind = "maxLength"
	KindEqualsField RuleKind = "equalsField"
	KindCustom      RuleKind = "custom"
)

// EmailPattern is the address shape accepted by the sign-up forms.
const EmailPattern = `^[^\s@]+@[^\s@]+\.[^\s@]+$`

// Rule is a single constraint attached to a field. Check reports the failure
// message and false when value does not satisfy the rule; values gives access
// to the rest of the form for cross-field rules.
//
// The set of implementations is closed: Required, Pattern, MinLength,
// MaxLength, EqualsField and Custom.
type Rule interface {
	Kind() RuleKind
	Check(value any, values Values) (string, bool)
	rule()
}

// RequiredRule fails on empty values (see IsEmpty).
type RequiredRule struct {
	Msg string
}

func (RequiredRule) Kind() RuleKind { return KindRequired }
func (RequiredRule) rule()          {}

func (r RequiredRule) Check(value any, _ Values) (string, bool) {
	if IsEmpty(value) {
		return messageOr(r.Msg, "This field is required"), false
	}
	return "", true
}

// PatternRule matches the string form of a value against Expr.
type PatternRule struct {
	Expr *regexp.Regexp
	Msg  string
}

func (PatternRule) Kind() RuleKind { return KindPattern }
func (PatternRule) rule()          {}

func (r PatternRule) Check(value any, _ Values) (string, bool) {
	if IsEmpty(value) || r.Expr == nil {
		return "", true
	}
	if !r.Expr.MatchString(Stringify(value)) {
		return messageOr(r.Msg, "Invalid format"), false
	}
	return "", true
}

// MinLengthRule requires at least Min runes.
type MinLengthRule struct {
	Min int
	Msg string
}

func (MinLengthRule) Kind() RuleKind { return KindMinLength }
func (MinLengthRule) rule()          {}

func (r MinLengthRule) Check(value any, _ Values) (string, bool) {
	if IsEmpty(value) {
		return "", true
	}
	if utf8.RuneCountInString(Stringify(value)) < r.Min {
		return messageOr(r.Msg, fmt.Sprintf("Must be at least %d characters", r.Min)), false
	}
	return "", true
}

// MaxLengthRule allows at most Max runes.
type MaxLengthRule struct {
	Max int
	Msg string
}

func (MaxLengthRule) Kind() RuleKind { return KindMaxLength }
func (MaxLengthRule) rule()          {}

func (r MaxLengthRule) Check(value any, _ Values) (string, bool) {
	if IsEmpty(value) {
		return "", true
	}
	if utf8.RuneCountInString(Stringify(value)) > r.Max {
		return messageOr(r.Msg, fmt.Sprintf("Must be at most %d characters", r.Max)), false
	}
	return "", true
}

// EqualsFieldRule requires the value to equal the value of Other. It belongs on
// the confirming field, so a mismatch is reported there and never on Other.
type EqualsFieldRule struct {
	Other string
	Msg   string
}

func (EqualsFieldRule) Kind() RuleKind { return KindEqualsField }
func (EqualsFieldRule) rule()          {}

func (r EqualsFieldRule) Check(value any, values Values) (string, bool) {
	if !Equal(value, values[r.Other]) {
		return messageOr(r.Msg, "Does not match"), false
	}
	return "", true
}

// Predicate is a caller-supplied check. A nil error means valid; otherwise the
// error text is shown to the user.
type Predicate func(value any, values Values) error

// CustomRule runs a Predicate on non-empty values. Msg, when set, replaces the
// predicate's own message.
type CustomRule struct {
	Name string
	Fn   Predicate
	Msg  string
}

func (CustomRule) Kind() RuleKind { return KindCustom }
func (CustomRule) rule()          {}

func (r CustomRule) Check(value any, values Values) (string, bool) {
	if IsEmpty(value) || r.Fn == nil {
		return "", true
	}
	if err := r.Fn(value, values); err != nil {
		return messageOr(r.Msg, err.Error()), false
	}
	return "", true
}

// Required returns a required rule.
func Required(msg ...string) Rule {
	return RequiredRule{Msg: first(msg)}
}

// Pattern returns a pattern rule. It panics on an invalid expression; use
// CompilePattern for expressions that come from configuration.
func Pattern(expr string, msg ...string) Rule {
	return PatternRule{Expr: regexp.MustCompile(expr), Msg: first(msg)}
}

// CompilePattern is the error-returning variant of Pattern.
func CompilePattern(expr string, msg ...string) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("forms: invalid pattern %q: %w", expr, err)
	}
	return PatternRule{Expr: re, Msg: first(msg)}, nil
}

var emailExpr = regexp.MustCompile(EmailPattern)

// Email returns a pattern rule for EmailPattern.
func Email(msg ...string) Rule {
	return PatternRule{Expr: emailExpr, Msg: messageOr(first(msg), "Please enter a valid email address")}
}

// MinLength returns a minimum length rule.
func MinLength(n int, msg ...string) Rule {
	return MinLengthRule{Min: n, Msg: first(msg)}
}

// MaxLength returns a maximum length rule.
func MaxLength(n int, msg ...string) Rule {
	return MaxLengthRule{Max: n, Msg: first(msg)}
}

// EqualsField returns a cross-field equality rule.
func EqualsField(other string, msg ...string) Rule {
	return EqualsFieldRule{Other: other, Msg: first(msg)}
}

// Custom returns a rule backed by fn.
func Custom(name string, fn Predicate, msg ...string) Rule {
	return CustomRule{Name: name, Fn: fn, Msg: first(msg)}
}

// Check runs rules in order and returns the first failure.
func Check(rules []Rule, value any, values Values) (string, bool) {
	for _, r := range rules {
		if r == nil {
			continue
		}
		if msg, ok := r.Check(value, values); !ok {
			return msg, false
		}
	}
	return "", true
}

func first(msg []string) string {
	if len(msg) > 0 {
		return msg[0]
	}
	return ""
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
