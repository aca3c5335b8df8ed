package forms

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Values is the field bag a wizard accumulates: field name to a string,
// number, boolean or time.Time.
type Values map[string]any

// Clone returns a deep copy so a captured payload cannot observe later edits.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = deepCopy(val)
	}
	return out
}

// Has reports whether name has been set.
func (v Values) Has(name string) bool {
	_, ok := v[name]
	return ok
}

// String returns the string form of a value, or "" when unset.
func (v Values) String(name string) string {
	return Stringify(v[name])
}

// Int returns a numeric value truncated to int.
func (v Values) Int(name string) int {
	n, _ := AsFloat(v[name])
	return int(n)
}

// Bool returns a boolean value; strings such as "on" and "true" count.
func (v Values) Bool(name string) bool {
	switch b := v[name].(type) {
	case bool:
		return b
	case string:
		return isTruthy(b)
	default:
		return false
	}
}

// Time returns a date value, parsing RFC 3339 or YYYY-MM-DD strings.
func (v Values) Time(name string) (time.Time, bool) {
	return AsTime(v[name])
}

// Names returns the keys in sorted order.
func (v Values) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AsTime converts a value into a time when possible.
func AsTime(value any) (time.Time, bool) {
	switch t := value.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(DateLayout, s); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// AsFloat converts a value of any Go number type, or a numeric string, into a
// float64. Decoders differ on integer widths: JSON yields float64 while
// msgpack yields the smallest int that fits.
func AsFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt converts a whole number into an int.
func AsInt(value any) (int, bool) {
	f, ok := AsFloat(value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// IsEmpty reports whether a value counts as "not provided": nil, blank
// strings, false, zero times and empty collections.
func IsEmpty(value any) bool {
	if value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case bool:
		return !v
	case time.Time:
		return v.IsZero()
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// Stringify renders a value the way it is matched and measured by rules.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(DateLayout)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Equal compares two field values. Identical Go values are equal; otherwise
// scalars are compared by their string form so "3" equals 3.
func Equal(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if !isScalar(a) || !isScalar(b) {
		return false
	}
	return Stringify(a) == Stringify(b)
}

func isScalar(value any) bool {
	switch value.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return true
	default:
		return false
	}
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "1", "yes", "y":
		return true
	default:
		return false
	}
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(typed))
		for k, v := range typed {
			clone[k] = deepCopy(v)
		}
		return clone
	case []any:
		clone := make([]any, len(typed))
		for i, v := range typed {
			clone[i] = deepCopy(v)
		}
		return clone
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}
