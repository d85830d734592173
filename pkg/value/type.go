package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is the storage type of an item.
type Type uint8

const (
	TypeFloat  Type = 0
	TypeStr    Type = 1
	TypeLog    Type = 2
	TypeUint64 Type = 3
	TypeText   Type = 4
)

var typeNames = map[Type]string{
	TypeFloat:  "float",
	TypeStr:    "str",
	TypeLog:    "log",
	TypeUint64: "uint64",
	TypeText:   "text",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Describe returns the operator facing name used in conversion errors.
func (t Type) Describe() string {
	switch t {
	case TypeFloat:
		return "Numeric (float)"
	case TypeStr:
		return "Character"
	case TypeLog:
		return "Log"
	case TypeUint64:
		return "Numeric (unsigned)"
	case TypeText:
		return "Text"
	}
	return t.String()
}

// Numeric reports whether values of this type are stored as numbers.
func (t Type) Numeric() bool {
	return t == TypeFloat || t == TypeUint64
}

// ParseType accepts a type name such as "uint64".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, fmt.Errorf("unknown value type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Convert coerces the result of a step chain to the item's storage type.
// None and error values pass through.
func Convert(v Value, t Type) (Value, error) {
	if v.IsNone() || v.IsError() {
		return v, nil
	}

	switch t {
	case TypeUint64:
		switch v.kind {
		case KindUint64:
			return v, nil
		case KindFloat:
			if v.f >= 0 && v.f < math.MaxUint64 && !math.IsNaN(v.f) {
				return Uint64(uint64(v.f)), nil
			}
		case KindString:
			if u, err := strconv.ParseUint(strings.TrimSpace(v.s), 10, 64); err == nil {
				return Uint64(u), nil
			}
		}
	case TypeFloat:
		switch v.kind {
		case KindFloat:
			return v, nil
		case KindUint64:
			return Float(float64(v.u)), nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return Float(f), nil
			}
		}
	default:
		return String(v.Text()), nil
	}

	return None(), fmt.Errorf("Value of type %q is not suitable for value type %q. Value %q",
		v.kind.String(), t.Describe(), v.Text())
}
