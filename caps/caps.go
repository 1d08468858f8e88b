// Package caps provides typed access to the capability mapping a client
// sends during session negotiation. Every accessor takes an explicit
// default and returns it for absent or mistyped values, so malformed
// input degrades features instead of aborting the handshake.
package caps

import "math"

// MaxDimension bounds negotiated desktop/screen dimensions. Values at or
// above this (or non-positive) are treated as unset.
const MaxDimension = 32768

// Caps is a decoded capability mapping. Unknown keys are ignored.
type Caps map[string]any

// Bool returns the boolean value for key, or def when absent or mistyped.
// Integer values 0/1 are accepted, matching clients that encode booleans
// as numbers.
func (c Caps) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	default:
		if n, ok := toInt64(v); ok {
			return n != 0
		}
	}
	return def
}

// Int returns the integer value for key, or def.
func (c Caps) Int(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	if n, ok := toInt64(v); ok && n >= math.MinInt && n <= math.MaxInt {
		return int(n)
	}
	return def
}

// Int64 returns the 64-bit integer value for key, or def.
func (c Caps) Int64(key string, def int64) int64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	if n, ok := toInt64(v); ok {
		return n
	}
	return def
}

// Str returns the string value for key, or def.
func (c Caps) Str(key string, def string) string {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return def
}

// StrList returns the list of strings for key, or nil. Non-string
// elements are skipped.
func (c Caps) StrList(key string) []string {
	l, ok := c[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		switch t := e.(type) {
		case string:
			out = append(out, t)
		case []byte:
			out = append(out, string(t))
		}
	}
	return out
}

// List returns the raw list value for key, or nil.
func (c Caps) List(key string) []any {
	l, _ := c[key].([]any)
	return l
}

// Dict returns the nested mapping for key, or nil.
func (c Caps) Dict(key string) Caps {
	switch t := c[key].(type) {
	case Caps:
		return t
	case map[string]any:
		return Caps(t)
	}
	return nil
}

// IntPair returns the two-element integer tuple for key. ok is false when
// the key is absent or the value is not a pair of integers.
func (c Caps) IntPair(key string) (a, b int, ok bool) {
	l, isList := c[key].([]any)
	if !isList || len(l) != 2 {
		return 0, 0, false
	}
	x, okX := toInt64(l[0])
	y, okY := toInt64(l[1])
	if !okX || !okY {
		return 0, 0, false
	}
	return int(x), int(y), true
}

// DimensionPair returns the integer pair for key validated as screen
// dimensions: both values must be positive and below MaxDimension.
// Out-of-range pairs are reported as unset.
func (c Caps) DimensionPair(key string) (w, h int, ok bool) {
	w, h, ok = c.IntPair(key)
	if !ok {
		return 0, 0, false
	}
	if w <= 0 || h <= 0 || w >= MaxDimension || h >= MaxDimension {
		return 0, 0, false
	}
	return w, h, true
}

// toInt64 coerces the numeric types a CBOR or JSON decoder may produce.
func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case float32:
		f := float64(t)
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
