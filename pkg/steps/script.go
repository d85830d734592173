package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/preproc/pkg/value"
)

const (
	// DefaultScriptTimeout bounds a single script step.
	DefaultScriptTimeout = 10 * time.Second

	maxCallStackSize = 1024
	maxCachedScripts = 256
)

// ScriptEngine runs script steps. Compiled programs are cached per worker;
// every execution gets a fresh runtime so no script state survives a task.
type ScriptEngine struct {
	timeout  time.Duration
	programs map[string]*goja.Program
}

// NewScriptEngine creates an engine with the given per-execution timeout.
func NewScriptEngine(timeout time.Duration) *ScriptEngine {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptEngine{
		timeout:  timeout,
		programs: make(map[string]*goja.Program),
	}
}

func (e *ScriptEngine) compile(source string) (*goja.Program, error) {
	if prog, ok := e.programs[source]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("script", "(function (value) {\n"+source+"\n})", false)
	if err != nil {
		return nil, fmt.Errorf("cannot compile script: %v", err)
	}
	if len(e.programs) >= maxCachedScripts {
		e.programs = make(map[string]*goja.Program)
	}
	e.programs[source] = prog
	return prog, nil
}

// Run calls the script body with the current value bound to `value`. A null
// or undefined return discards the value.
func (e *ScriptEngine) Run(ctx context.Context, source string, in value.Value) (out value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = value.None(), fmt.Errorf("panic during script execution: %v", r)
		}
	}()

	prog, err := e.compile(source)
	if err != nil {
		return value.None(), err
	}

	vm := goja.New()
	if err := sandbox(vm); err != nil {
		return value.None(), err
	}

	fnValue, err := vm.RunProgram(prog)
	if err != nil {
		return value.None(), fmt.Errorf("cannot compile script: %v", err)
	}
	fn, isFunc := goja.AssertFunction(fnValue)
	if !isFunc {
		return value.None(), fmt.Errorf("cannot compile script: not a function")
	}

	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt("execution timeout") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("execution cancelled") })
	defer stop()

	arg := goja.Null()
	if !in.IsNone() {
		arg = vm.ToValue(in.Text())
	}

	res, err := fn(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return value.None(), fmt.Errorf("%v", interrupted.Value())
		}
		var exc *goja.Exception
		if errors.As(err, &exc) && exc.Value() != nil {
			return value.None(), fmt.Errorf("%s", exc.Value().String())
		}
		return value.None(), err
	}

	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return value.None(), nil
	}
	return value.String(res.String()), nil
}

// sandbox strips host facilities a step script must not reach.
func sandbox(vm *goja.Runtime) error {
	vm.SetMaxCallStackSize(maxCallStackSize)

	for _, name := range []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	restricted := func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed"))
	}
	if err := vm.Set("eval", restricted); err != nil {
		return fmt.Errorf("failed to restrict eval: %w", err)
	}
	return nil
}
