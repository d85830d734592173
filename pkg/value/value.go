// Package value holds the variant carried through a preprocessing chain.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant stored in a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindUint64
	KindFloat
	KindString
	KindError
)

var kindNames = [...]string{
	KindNone:   "none",
	KindUint64: "uint64",
	KindFloat:  "float",
	KindString: "string",
	KindError:  "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return KindNone, false
}

// Value is an immutable variant: nothing, an unsigned integer, a float, a
// string or an error message. The zero Value is None.
type Value struct {
	kind Kind
	u    uint64
	f    float64
	s    string
}

// None returns the empty value produced by discarding steps.
func None() Value { return Value{} }

// Uint64 returns an unsigned integer value.
func Uint64(u uint64) Value { return Value{kind: KindUint64, u: u} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a text value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Error returns a value that carries an error message instead of data.
func Error(msg string) Value { return Value{kind: KindError, s: msg} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNone }
func (v Value) IsError() bool { return v.kind == KindError }
func (v Value) IsNumeric() bool { return v.kind == KindUint64 || v.kind == KindFloat }

// ErrorText returns the error message of an error value, or "".
func (v Value) ErrorText() string {
	if v.kind == KindError {
		return v.s
	}
	return ""
}

// Uint64 returns the integer payload and whether the value is an integer.
func (v Value) Uint64() (uint64, bool) {
	return v.u, v.kind == KindUint64
}

// Float returns the value as float64 for either numeric kind.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindUint64:
		return float64(v.u), true
	}
	return 0, false
}

// Text renders the value the way it is stored and compared as text.
func (v Value) Text() string {
	switch v.kind {
	case KindUint64:
		return strconv.FormatUint(v.u, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindString, KindError:
		return v.s
	}
	return ""
}

func (v Value) String() string {
	if v.kind == KindNone {
		return "<none>"
	}
	return v.Text()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Numeric converts a string value to uint64 when it is an unsigned integer
// and to float otherwise. Numeric values are returned unchanged.
func (v Value) Numeric() (Value, error) {
	switch v.kind {
	case KindUint64, KindFloat:
		return v, nil
	case KindString:
		s := strings.TrimSpace(v.s)
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return Uint64(u), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return None(), fmt.Errorf("cannot convert value %q to numeric", v.s)
		}
		return Float(f), nil
	case KindError:
		return None(), fmt.Errorf("cannot convert error value to numeric: %s", v.s)
	}
	return None(), fmt.Errorf("cannot convert empty value to numeric")
}

// Equal reports whether two values carry the same data. Numeric values of
// different kinds are compared as floats.
func (v Value) Equal(o Value) bool {
	if v.kind == o.kind {
		switch v.kind {
		case KindUint64:
			return v.u == o.u
		case KindFloat:
			return v.f == o.f
		case KindString, KindError:
			return v.s == o.s
		}
		return true
	}
	if v.IsNumeric() && o.IsNumeric() {
		a, _ := v.Float()
		b, _ := o.Float()
		return a == b
	}
	return false
}

type wireValue struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"type": kind, "value": text}. Numbers are
// carried as text so that uint64 and non-finite floats survive the trip.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: v.kind.String(), Value: v.Text()})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := parseKind(w.Type)
	if !ok {
		return fmt.Errorf("value: unknown type %q", w.Type)
	}
	switch kind {
	case KindNone:
		*v = None()
	case KindUint64:
		u, err := strconv.ParseUint(w.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("value: bad uint64 %q: %w", w.Value, err)
		}
		*v = Uint64(u)
	case KindFloat:
		f, err := strconv.ParseFloat(w.Value, 64)
		if err != nil {
			return fmt.Errorf("value: bad float %q: %w", w.Value, err)
		}
		*v = Float(f)
	case KindString:
		*v = String(w.Value)
	case KindError:
		*v = Error(w.Value)
	}
	return nil
}

// Meta is log metadata forwarded untouched to storage.
type Meta struct {
	LastLogSize uint64 `json:"lastlogsize" yaml:"lastlogsize"`
	MTime       int    `json:"mtime" yaml:"mtime"`
}
