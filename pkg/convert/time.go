package convert

import (
	"strings"
	"time"
)

// timeLayouts are tried in order when a timestamp arrives as a string.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToTime converts a timestamp property to time.Time.
//
// Accepts time.Time, *time.Time, RFC 3339 strings (and a few looser
// layouts), and integer Unix seconds. Badger returns timestamps as strings,
// the memory engine keeps them as time.Time.
func ToTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, !val.IsZero()
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, !val.IsZero()
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if IsNumeric(v) {
		if f, ok := ToFloat64(v); ok && f > 0 {
			return time.Unix(int64(f), 0), true
		}
	}
	return time.Time{}, false
}
