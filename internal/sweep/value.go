// internal/sweep/value.go
// Package sweep expands declarative parameter specs into the concrete
// combinations a benchmark sweep runs, and turns each combination into a
// command line for the inference server.
package sweep

import (
	"fmt"
	"math"
	"strconv"
)

// Value is one scalar parameter value. Numbers, strings and booleans are
// supported because those are what a command-line flag can carry.
type Value struct {
	text    string
	num     float64
	numeric bool
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{text: strconv.FormatFloat(f, 'f', -1, 64), num: f, numeric: true}
}

// String returns a textual Value.
func String(s string) Value {
	return Value{text: s}
}

// ValueOf converts a decoded config scalar into a Value.
func ValueOf(v any) (Value, error) {
	switch vv := v.(type) {
	case Value:
		return vv, nil
	case float64:
		return Number(vv), nil
	case float32:
		return Number(float64(vv)), nil
	case int:
		return Number(float64(vv)), nil
	case int64:
		return Number(float64(vv)), nil
	case int32:
		return Number(float64(vv)), nil
	case uint64:
		return Number(float64(vv)), nil
	case string:
		return String(vv), nil
	case bool:
		return String(strconv.FormatBool(vv)), nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter value %v (%T)", v, v)
	}
}

// String renders the value the way it appears on the command line.
func (v Value) String() string { return v.text }

// Float returns the numeric value and whether the value is numeric.
func (v Value) Float() (float64, bool) { return v.num, v.numeric }

// Interface returns the value as a plain Go scalar for serializers.
func (v Value) Interface() any {
	if v.numeric {
		return v.num
	}
	return v.text
}

// round3 rounds to 3 decimal places to absorb float accumulation drift.
func round3(f float64) float64 {
	r := math.Round(f*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}
