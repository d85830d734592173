package steps

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/preproc/pkg/value"
)

// Op is one typed step variant. The set is closed: every implementation lives
// in this package and Run dispatches on the concrete type.
type Op interface {
	Kind() Kind
	op()
}

type Multiplier struct{ Factor value.Value }

type Trim struct {
	Mode  Kind
	Chars string
}

type Regsub struct {
	Pattern *regexp.Regexp
	Output  string
}

type Bool2Dec struct{}
type Oct2Dec struct{}
type Hex2Dec struct{}
type DeltaValue struct{}
type DeltaSpeed struct{}

type ValidateRange struct {
	Min, Max       *float64
	MinRaw, MaxRaw string
}

type ValidateRegex struct {
	Pattern *regexp.Regexp
	Negate  bool
}

type ValidateNotSupported struct{}

type JSONPath struct {
	Expr string
	path string
}

type ErrorFieldJSON struct {
	Expr string
	path string
}

type ErrorFieldRegex struct {
	Pattern *regexp.Regexp
	Output  string
}

type ThrottleValue struct{}

type ThrottleTimed struct{ Period time.Duration }

type Script struct{ Source string }

type PrometheusPattern struct {
	Filter PromFilter
	Mode   string
	Output string
}

type PrometheusToJSON struct{ Filter PromFilter }

type StrReplace struct{ Search, Replace string }

func (Multiplier) Kind() Kind { return KindMultiplier }
func (t Trim) Kind() Kind { return t.Mode }
func (Regsub) Kind() Kind { return KindRegsub }
func (Bool2Dec) Kind() Kind { return KindBool2Dec }
func (Oct2Dec) Kind() Kind { return KindOct2Dec }
func (Hex2Dec) Kind() Kind { return KindHex2Dec }
func (DeltaValue) Kind() Kind { return KindDeltaValue }
func (DeltaSpeed) Kind() Kind { return KindDeltaSpeed }
func (ValidateRange) Kind() Kind { return KindValidateRange }
func (ValidateNotSupported) Kind() Kind { return KindValidateNotSupported }
func (JSONPath) Kind() Kind { return KindJSONPath }
func (ErrorFieldJSON) Kind() Kind { return KindErrorFieldJSON }
func (ErrorFieldRegex) Kind() Kind { return KindErrorFieldRegex }
func (ThrottleValue) Kind() Kind { return KindThrottleValue }
func (ThrottleTimed) Kind() Kind { return KindThrottleTimed }
func (Script) Kind() Kind { return KindScript }
func (PrometheusPattern) Kind() Kind { return KindPrometheusPattern }
func (PrometheusToJSON) Kind() Kind { return KindPrometheusToJSON }
func (StrReplace) Kind() Kind { return KindStrReplace }

func (v ValidateRegex) Kind() Kind {
	if v.Negate {
		return KindValidateNotRegex
	}
	return KindValidateRegex
}

func (Multiplier) op() {}
func (Trim) op() {}
func (Regsub) op() {}
func (Bool2Dec) op() {}
func (Oct2Dec) op() {}
func (Hex2Dec) op() {}
func (DeltaValue) op() {}
func (DeltaSpeed) op() {}
func (ValidateRange) op() {}
func (ValidateRegex) op() {}
func (ValidateNotSupported) op() {}
func (JSONPath) op() {}
func (ErrorFieldJSON) op() {}
func (ErrorFieldRegex) op() {}
func (ThrottleValue) op() {}
func (ThrottleTimed) op() {}
func (Script) op() {}
func (PrometheusPattern) op() {}
func (PrometheusToJSON) op() {}
func (StrReplace) op() {}

// Step is a parsed definition bound to its position in the chain.
type Step struct {
	Index     int
	Op        Op
	OnFail    Handler
	FailParam string
}

// ParseError describes a definition that cannot be turned into a step.
type ParseError struct {
	Index int
	Kind  Kind
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("step #%d (%s): %s", e.Index+1, e.Kind, e.Msg)
}

// Parse turns a definition into a typed step.
func Parse(index int, def Definition) (Step, error) {
	fail := func(format string, args ...any) (Step, error) {
		return Step{}, &ParseError{Index: index, Kind: def.Type, Msg: fmt.Sprintf(format, args...)}
	}

	if !def.ErrorHandler.valid() {
		return fail("unknown error handler %q", def.ErrorHandler)
	}
	handler := def.ErrorHandler
	if handler == "" {
		handler = HandlerDefault
	}
	if handler == HandlerSetError && def.ErrorParams == "" {
		return fail("custom error message is empty")
	}

	var op Op

	switch def.Type {
	case KindMultiplier:
		factor, err := value.String(def.Params).Numeric()
		if err != nil {
			return fail("invalid multiplier %q", def.Params)
		}
		op = Multiplier{Factor: factor}
	case KindRTrim, KindLTrim, KindTrim:
		if def.Params == "" {
			return fail("character list is empty")
		}
		op = Trim{Mode: def.Type, Chars: def.Params}
	case KindRegsub, KindErrorFieldRegex:
		params := splitParams(def.Params, 2)
		if len(params) != 2 {
			return fail("expected pattern and output")
		}
		re, err := regexp.Compile(params[0])
		if err != nil {
			return fail("invalid regular expression: %v", err)
		}
		if def.Type == KindRegsub {
			op = Regsub{Pattern: re, Output: params[1]}
		} else {
			op = ErrorFieldRegex{Pattern: re, Output: params[1]}
		}
	case KindBool2Dec:
		op = Bool2Dec{}
	case KindOct2Dec:
		op = Oct2Dec{}
	case KindHex2Dec:
		op = Hex2Dec{}
	case KindDeltaValue:
		op = DeltaValue{}
	case KindDeltaSpeed:
		op = DeltaSpeed{}
	case KindValidateRange:
		r, err := parseRange(splitParams(def.Params, 2))
		if err != nil {
			return fail("%v", err)
		}
		op = r
	case KindValidateRegex, KindValidateNotRegex:
		re, err := regexp.Compile(def.Params)
		if err != nil {
			return fail("invalid regular expression: %v", err)
		}
		op = ValidateRegex{Pattern: re, Negate: def.Type == KindValidateNotRegex}
	case KindValidateNotSupported:
		op = ValidateNotSupported{}
	case KindJSONPath, KindErrorFieldJSON:
		path, err := translateJSONPath(def.Params)
		if err != nil {
			return fail("%v", err)
		}
		if def.Type == KindJSONPath {
			op = JSONPath{Expr: def.Params, path: path}
		} else {
			op = ErrorFieldJSON{Expr: def.Params, path: path}
		}
	case KindThrottleValue:
		op = ThrottleValue{}
	case KindThrottleTimed:
		period, err := ParsePeriod(def.Params)
		if err != nil || period <= 0 {
			return fail("invalid heartbeat period %q", def.Params)
		}
		op = ThrottleTimed{Period: period}
	case KindScript:
		if strings.TrimSpace(def.Params) == "" {
			return fail("script is empty")
		}
		op = Script{Source: def.Params}
	case KindPrometheusPattern:
		p, err := parsePrometheusPattern(splitParams(def.Params, 3))
		if err != nil {
			return fail("%v", err)
		}
		op = p
	case KindPrometheusToJSON:
		filter, err := ParsePromFilter(def.Params)
		if err != nil {
			return fail("%v", err)
		}
		op = PrometheusToJSON{Filter: filter}
	case KindStrReplace:
		params := splitParams(def.Params, 2)
		if len(params) != 2 || params[0] == "" {
			return fail("expected search string and replacement")
		}
		op = StrReplace{Search: unescape(params[0]), Replace: unescape(params[1])}
	default:
		return fail("unknown step type")
	}

	return Step{Index: index, Op: op, OnFail: handler, FailParam: def.ErrorParams}, nil
}

// ParseChain parses every definition of a chain.
func ParseChain(defs []Definition) ([]Step, error) {
	out := make([]Step, 0, len(defs))
	for i, d := range defs {
		s, err := Parse(i, d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func splitParams(params string, n int) []string {
	if params == "" {
		return nil
	}
	return strings.SplitN(params, "\n", n)
}

func parseRange(params []string) (ValidateRange, error) {
	if len(params) != 2 {
		return ValidateRange{}, fmt.Errorf("expected minimum and maximum")
	}
	r := ValidateRange{MinRaw: strings.TrimSpace(params[0]), MaxRaw: strings.TrimSpace(params[1])}
	if r.MinRaw == "" && r.MaxRaw == "" {
		return ValidateRange{}, fmt.Errorf("range is empty")
	}
	if r.MinRaw != "" {
		f, err := strconv.ParseFloat(r.MinRaw, 64)
		if err != nil {
			return ValidateRange{}, fmt.Errorf("invalid minimum %q", r.MinRaw)
		}
		r.Min = &f
	}
	if r.MaxRaw != "" {
		f, err := strconv.ParseFloat(r.MaxRaw, 64)
		if err != nil {
			return ValidateRange{}, fmt.Errorf("invalid maximum %q", r.MaxRaw)
		}
		r.Max = &f
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return ValidateRange{}, fmt.Errorf("minimum is greater than maximum")
	}
	return r, nil
}

// ParsePeriod reads a duration in seconds with an optional s, m, h, d or w
// suffix.
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty period")
	}
	unit := time.Second
	switch s[len(s)-1] {
	case 's':
		s = s[:len(s)-1]
	case 'm':
		unit, s = time.Minute, s[:len(s)-1]
	case 'h':
		unit, s = time.Hour, s[:len(s)-1]
	case 'd':
		unit, s = 24*time.Hour, s[:len(s)-1]
	case 'w':
		unit, s = 7*24*time.Hour, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	return time.Duration(n) * unit, nil
}

// unescape expands \n, \r, \t, \s and \\ in str_replace arguments.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
