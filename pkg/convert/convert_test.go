package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected float64
		ok       bool
	}{
		{"float64", 3.14, 3.14, true},
		{"float32", float32(2.5), 2.5, true},
		{"int", 55, 55.0, true},
		{"int64", int64(99), 99.0, true},
		{"uint8", uint8(7), 7.0, true},
		{"json number", json.Number("12.5"), 12.5, true},
		{"string decimal", "3.14", 3.14, true},
		{"string padded", " 42 ", 42.0, true},
		{"string scientific", "1.5e-3", 0.0015, true},

		{"string invalid", "Warning", 0, false},
		{"empty", "", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
		{"slice", []int{1, 2}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat64(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.InDelta(t, tt.expected, got, 0.0001)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b any
		cmp  int
		ok   bool
	}{
		{"int vs float", 55, 60.0, -1, true},
		{"float from badger vs int literal", float64(60), 60, 0, true},
		{"numeric string vs number", "61", 60, 1, true},
		{"strings", "Critical", "Warning", -1, true},
		{"time vs rfc3339", now, now.Add(time.Hour).Format(time.RFC3339), -1, true},
		{"stored timestamps", "2024-05-01T12:00:00Z", "2024-05-01T12:00:00.5Z", -1, true},
		{"bools", false, true, -1, true},
		{"number vs word", 5, "five", 0, false},
		{"nil", nil, 1, 0, false},
		{"bool vs string", true, "true", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.cmp, cmp)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("Pending", "Pending"))
	assert.True(t, Equal(int64(3), 3.0))
	assert.False(t, Equal("Pending", "Done"))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, "x"))
}

func TestToTime(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input any
		want  time.Time
		ok    bool
	}{
		{"time", ref, ref, true},
		{"pointer", &ref, ref, true},
		{"rfc3339", "2024-05-01T12:30:00Z", ref, true},
		{"rfc3339 nano", ref.Format(time.RFC3339Nano), ref, true},
		{"naive", "2024-05-01 12:30:00", ref, true},
		{"unix seconds", float64(ref.Unix()), ref, true},
		{"zero time", time.Time{}, time.Time{}, false},
		{"garbage", "yesterday", time.Time{}, false},
		{"bool", true, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToTime(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			}
		})
	}
}

func TestToSliceAndString(t *testing.T) {
	s, ok := ToSlice([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, s)

	_, ok = ToSlice("a")
	assert.False(t, ok)

	assert.Equal(t, "55", ToString(55))
	assert.Equal(t, "55", ToString(float64(55)))
	assert.Equal(t, "1.5", ToString(1.5))
	assert.Equal(t, "RO-001", ToString("RO-001"))
	assert.Equal(t, "", ToString(nil))
	assert.Equal(t, "true", ToString(true))
}
