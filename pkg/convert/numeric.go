// Package convert coerces graph property values into the Go types the
// pattern matcher and validator compare against.
//
// Property values arrive in several shapes depending on where they came
// from: Go literals set by tests and rules (int, float64, time.Time), YAML
// fixtures (int, float64, string), and the Badger store, which round-trips
// through JSON and therefore hands back float64 for every number and an
// RFC 3339 string for every timestamp. The helpers here hide that so a
// healthScore of 55 compares the same way whichever store produced it.
//
// All functions return a success boolean instead of an error.
//
// Example:
//
//	if score, ok := convert.ToFloat64(node.Properties["healthScore"]); ok && score < 60 {
//		// candidate
//	}
package convert

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ToFloat64 converts a numeric property value to float64.
//
// Supported: all Go integer and float kinds, json.Number, and decimal
// strings (including scientific notation). Booleans, nil and compound
// values are rejected.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case int16:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint8:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// IsNumeric reports whether v is a Go numeric kind. Strings that parse as
// numbers do not count.
func IsNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, int16, int8,
		uint, uint64, uint32, uint16, uint8, json.Number:
		return true
	}
	return false
}

// Compare orders two property values. Numbers compare numerically, times
// chronologically, everything else by string form. ok is false when the
// values cannot be ordered against each other (for example a number and a
// bool).
func Compare(a, b any) (cmp int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if IsNumeric(a) || IsNumeric(b) {
		fa, okA := ToFloat64(a)
		fb, okB := ToFloat64(b)
		if !okA || !okB {
			return 0, false
		}
		return compareFloat(fa, fb), true
	}

	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		ta, okA := ToTime(a)
		tb, okB := ToTime(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}

	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		// Stored timestamps; RFC 3339 text does not always sort lexically.
		if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
			if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
				return ta.Compare(tb), true
			}
		}
		return strings.Compare(sa, sb), true
	}

	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// Equal reports whether two property values are equal after coercion.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
