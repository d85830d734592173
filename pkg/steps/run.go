package steps

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/value"
)

// Env is the worker local scratch space shared by the steps of a task.
type Env struct {
	Scripts *ScriptEngine
}

// Outcome is the result of running one step.
type Outcome struct {
	// Value is the new current value. None means the chain ends here.
	Value value.Value
	// History is the residual state to keep for the next execution.
	History *history.Entry
	// Err is set when the step failed; the configured handler decides what
	// happens next.
	Err error
}

func emit(v value.Value) Outcome { return Outcome{Value: v} }

func failed(format string, args ...any) Outcome {
	return Outcome{Err: fmt.Errorf(format, args...)}
}

// Run executes the step against the current value. prev is the history entry
// left by the previous execution of this step, if any.
func (s Step) Run(ctx context.Context, env *Env, in value.Value, prev *history.Entry, ts time.Time) Outcome {
	if _, isCheck := s.Op.(ValidateNotSupported); isCheck {
		if in.IsError() {
			return failed("%s", in.ErrorText())
		}
		return emit(in)
	}

	if in.IsError() {
		return Outcome{Value: in}
	}

	switch op := s.Op.(type) {
	case Multiplier:
		return runMultiplier(op, in)
	case Trim:
		return runTrim(op, in)
	case Regsub:
		text := in.Text()
		m := op.Pattern.FindStringSubmatchIndex(text)
		if m == nil {
			return failed("cannot perform regular expression match: pattern %q does not match", op.Pattern.String())
		}
		return emit(value.String(substitute(op.Output, text, m)))
	case Bool2Dec:
		return runBool2Dec(in)
	case Oct2Dec:
		return runBase(in, 8, "octal")
	case Hex2Dec:
		return runBase(in, 16, "hexadecimal")
	case DeltaValue:
		return s.runDelta(in, prev, ts, false)
	case DeltaSpeed:
		return s.runDelta(in, prev, ts, true)
	case ValidateRange:
		return runRange(op, in)
	case ValidateRegex:
		matched := op.Pattern.MatchString(in.Text())
		if !op.Negate && !matched {
			return failed("value does not match regular expression %q", op.Pattern.String())
		}
		if op.Negate && matched {
			return failed("value matches regular expression %q", op.Pattern.String())
		}
		return emit(in)
	case JSONPath:
		return runJSONPath(op, in)
	case ErrorFieldJSON:
		return runErrorFieldJSON(op, in)
	case ErrorFieldRegex:
		text := in.Text()
		if m := op.Pattern.FindStringSubmatchIndex(text); m != nil {
			return failed("%s", substitute(op.Output, text, m))
		}
		return emit(in)
	case ThrottleValue:
		next := &history.Entry{Step: s.Index, Value: in, Timestamp: ts}
		if prev != nil && prev.Value.Equal(in) {
			return Outcome{Value: value.None(), History: next}
		}
		return Outcome{Value: in, History: next}
	case ThrottleTimed:
		if prev != nil && prev.Value.Equal(in) && ts.Sub(prev.Timestamp) < op.Period {
			kept := *prev
			kept.Step = s.Index
			return Outcome{Value: value.None(), History: &kept}
		}
		return Outcome{Value: in, History: &history.Entry{Step: s.Index, Value: in, Timestamp: ts}}
	case Script:
		if env == nil || env.Scripts == nil {
			return failed("script engine is not available")
		}
		out, err := env.Scripts.Run(ctx, op.Source, in)
		if err != nil {
			return failed("%v", err)
		}
		return emit(out)
	case PrometheusPattern:
		return runPrometheusPattern(op, in)
	case PrometheusToJSON:
		return runPrometheusToJSON(op, in)
	case StrReplace:
		return emit(value.String(strings.ReplaceAll(in.Text(), op.Search, op.Replace)))
	}

	return failed("unknown preprocessing step")
}

func runMultiplier(op Multiplier, in value.Value) Outcome {
	num, err := in.Numeric()
	if err != nil {
		return failed("cannot apply multiplier %q to value %q: %v", op.Factor.Text(), in.Text(), err)
	}
	if a, isInt := num.Uint64(); isInt {
		if b, factorInt := op.Factor.Uint64(); factorInt {
			hi, lo := bits.Mul64(a, b)
			if hi == 0 {
				return emit(value.Uint64(lo))
			}
		}
	}
	a, _ := num.Float()
	b, _ := op.Factor.Float()
	product := a * b
	if math.IsInf(product, 0) {
		return failed("cannot apply multiplier %q to value %q: result is out of range", op.Factor.Text(), in.Text())
	}
	return emit(value.Float(product))
}

func runTrim(op Trim, in value.Value) Outcome {
	text := in.Text()
	switch op.Mode {
	case KindRTrim:
		text = strings.TrimRight(text, op.Chars)
	case KindLTrim:
		text = strings.TrimLeft(text, op.Chars)
	default:
		text = strings.Trim(text, op.Chars)
	}
	return emit(value.String(text))
}

// substitute expands \0 .. \9 in out with the groups of match m over s.
func substitute(out, s string, m []int) string {
	var b strings.Builder
	for i := 0; i < len(out); i++ {
		c := out[i]
		if c == '\\' && i+1 < len(out) && out[i+1] >= '0' && out[i+1] <= '9' {
			g := int(out[i+1] - '0')
			i++
			if 2*g+1 < len(m) && m[2*g] >= 0 {
				b.WriteString(s[m[2*g]:m[2*g+1]])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

var (
	trueWords  = []string{"true", "t", "yes", "y", "on", "up", "running", "enabled", "available", "ok", "master"}
	falseWords = []string{"false", "f", "no", "n", "off", "down", "unused", "disabled", "unavailable", "err", "slave"}
)

func runBool2Dec(in value.Value) Outcome {
	if f, isNum := in.Float(); isNum {
		return emit(boolValue(f != 0))
	}
	text := strings.ToLower(strings.TrimSpace(in.Text()))
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return emit(boolValue(f != 0))
	}
	for _, w := range trueWords {
		if text == w {
			return emit(value.Uint64(1))
		}
	}
	for _, w := range falseWords {
		if text == w {
			return emit(value.Uint64(0))
		}
	}
	return failed("cannot convert value %q from boolean format", in.Text())
}

func boolValue(b bool) value.Value {
	if b {
		return value.Uint64(1)
	}
	return value.Uint64(0)
}

func runBase(in value.Value, base int, name string) Outcome {
	text := strings.Join(strings.Fields(in.Text()), "")
	if base == 16 {
		text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	}
	u, err := strconv.ParseUint(text, base, 64)
	if err != nil {
		return failed("cannot convert value %q from %s format", in.Text(), name)
	}
	return emit(value.Uint64(u))
}

func (s Step) runDelta(in value.Value, prev *history.Entry, ts time.Time, speed bool) Outcome {
	cur, err := in.Numeric()
	if err != nil {
		kind := "simple change"
		if speed {
			kind = "speed per second"
		}
		return failed("cannot calculate delta (%s) for value %q: %v", kind, in.Text(), err)
	}

	next := &history.Entry{Step: s.Index, Value: cur, Timestamp: ts}
	if prev == nil || !prev.Value.IsNumeric() {
		return Outcome{Value: value.None(), History: next}
	}

	discard := Outcome{Value: value.None(), History: next}

	if speed {
		if !ts.After(prev.Timestamp) {
			return discard
		}
		a, _ := cur.Float()
		b, _ := prev.Value.Float()
		if a < b {
			return discard
		}
		return Outcome{Value: value.Float((a - b) / ts.Sub(prev.Timestamp).Seconds()), History: next}
	}

	if a, isInt := cur.Uint64(); isInt {
		if b, prevInt := prev.Value.Uint64(); prevInt {
			if a < b {
				return discard
			}
			return Outcome{Value: value.Uint64(a - b), History: next}
		}
	}
	a, _ := cur.Float()
	b, _ := prev.Value.Float()
	if a < b {
		return discard
	}
	return Outcome{Value: value.Float(a - b), History: next}
}

func runRange(op ValidateRange, in value.Value) Outcome {
	num, err := in.Numeric()
	if err != nil {
		return failed("cannot validate range: %v", err)
	}
	f, _ := num.Float()
	if op.Min != nil && f < *op.Min {
		if op.Max != nil {
			return failed("value must be between %s and %s", op.MinRaw, op.MaxRaw)
		}
		return failed("value must be greater than or equal to %s", op.MinRaw)
	}
	if op.Max != nil && f > *op.Max {
		if op.Min != nil {
			return failed("value must be between %s and %s", op.MinRaw, op.MaxRaw)
		}
		return failed("value must be less than or equal to %s", op.MaxRaw)
	}
	return emit(in)
}

func runJSONPath(op JSONPath, in value.Value) Outcome {
	text := in.Text()
	if !gjson.Valid(text) {
		return failed("cannot extract value from json by path %q: cannot parse as a valid JSON object", op.Expr)
	}
	res := gjson.Get(text, op.path)
	if !res.Exists() {
		return failed("cannot extract value from json by path %q: no data matches the specified path", op.Expr)
	}
	if res.Type == gjson.String {
		return emit(value.String(res.Str))
	}
	return emit(value.String(res.Raw))
}

func runErrorFieldJSON(op ErrorFieldJSON, in value.Value) Outcome {
	text := in.Text()
	if !gjson.Valid(text) {
		return emit(in)
	}
	res := gjson.Get(text, op.path)
	if !res.Exists() || res.Type == gjson.Null {
		return emit(in)
	}
	msg := res.String()
	if msg == "" {
		return emit(in)
	}
	return failed("%s", msg)
}
