// Package steps defines the closed set of preprocessing step kinds, parses
// their wire definitions into typed variants and executes them.
package steps

import "fmt"

// Kind names a preprocessing step type.
type Kind string

const (
	KindMultiplier           Kind = "multiplier"
	KindRTrim                Kind = "rtrim"
	KindLTrim                Kind = "ltrim"
	KindTrim                 Kind = "trim"
	KindRegsub               Kind = "regsub"
	KindBool2Dec             Kind = "bool_to_decimal"
	KindOct2Dec              Kind = "octal_to_decimal"
	KindHex2Dec              Kind = "hex_to_decimal"
	KindDeltaValue           Kind = "delta_value"
	KindDeltaSpeed           Kind = "delta_speed"
	KindValidateRange        Kind = "validate_range"
	KindValidateRegex        Kind = "validate_regex"
	KindValidateNotRegex     Kind = "validate_not_regex"
	KindValidateNotSupported Kind = "validate_not_supported"
	KindJSONPath             Kind = "jsonpath"
	KindErrorFieldJSON       Kind = "error_field_json"
	KindErrorFieldRegex      Kind = "error_field_regex"
	KindThrottleValue        Kind = "throttle_value"
	KindThrottleTimed        Kind = "throttle_timed_value"
	KindScript               Kind = "script"
	KindPrometheusPattern    Kind = "prometheus_pattern"
	KindPrometheusToJSON     Kind = "prometheus_to_json"
	KindStrReplace           Kind = "str_replace"
)

// Handler selects what happens when a step fails.
type Handler string

const (
	// HandlerDefault aborts the chain and reports the step error.
	HandlerDefault Handler = "default"
	// HandlerDiscard aborts the chain and drops the value silently.
	HandlerDiscard Handler = "discard"
	// HandlerSetValue aborts the chain and stores ErrorParams as the value.
	HandlerSetValue Handler = "set_value"
	// HandlerSetError aborts the chain and reports ErrorParams as the error.
	HandlerSetError Handler = "set_error"
)

func (h Handler) valid() bool {
	switch h {
	case "", HandlerDefault, HandlerDiscard, HandlerSetValue, HandlerSetError:
		return true
	}
	return false
}

// Definition is the configured, untyped form of a step as it travels in item
// configuration and in tasks. Params holds newline separated arguments.
type Definition struct {
	Type         Kind    `json:"type" yaml:"type"`
	Params       string  `json:"params,omitempty" yaml:"params,omitempty"`
	ErrorHandler Handler `json:"error_handler,omitempty" yaml:"error_handler,omitempty"`
	ErrorParams  string  `json:"error_params,omitempty" yaml:"error_params,omitempty"`
}

func (d Definition) String() string {
	return fmt.Sprintf("%s(%q)", d.Type, d.Params)
}

// HasHistory reports whether steps of this kind leave state for their next
// execution.
func HasHistory(k Kind) bool {
	switch k {
	case KindDeltaValue, KindDeltaSpeed, KindThrottleValue, KindThrottleTimed:
		return true
	}
	return false
}

// OrderSensitive reports whether a chain contains a step whose output depends
// on the previous execution for the same item. Requests for such chains must
// run one at a time per item.
func OrderSensitive(defs []Definition) bool {
	for _, d := range defs {
		if HasHistory(d.Type) {
			return true
		}
	}
	return false
}

// Validate parses every definition of a chain and returns the first error.
func Validate(defs []Definition) error {
	for i, d := range defs {
		if _, err := Parse(i, d); err != nil {
			return err
		}
	}
	return nil
}
