// Package worker executes preprocessing tasks. Workers keep no state between
// tasks: history comes in with the task and goes back with the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

// Step actions reported in step results.
const (
	ActionDiscard  = "discard"
	ActionSetValue = "set_value"
	ActionSetError = "set_error"
	ActionFail     = "fail"
)

// Executor runs step chains. It owns scratch state (the compiled script
// cache) and must be used by one goroutine at a time.
type Executor struct {
	env    *steps.Env
	logger *zap.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor whose script steps are bounded by
// scriptTimeout.
func NewExecutor(scriptTimeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		env:    &steps.Env{Scripts: steps.NewScriptEngine(scriptTimeout)},
		logger: logger,
		tracer: otel.Tracer("preproc/worker"),
	}
}

// Execute runs the task's chain and returns the value converted to the item
// value type, the history to keep and the error that ended the chain.
func (e *Executor) Execute(ctx context.Context, task protocol.Task) protocol.Result {
	ctx, span := e.tracer.Start(ctx, "preproc.execute",
		trace.WithAttributes(
			attribute.Int64("item.id", int64(task.ItemID)),
			attribute.Int("steps", len(task.Steps)),
			attribute.Bool("test", task.Test),
		))
	defer span.End()

	res := e.run(ctx, task)

	if res.Error != "" {
		span.RecordError(errors.New(res.Error))
		span.SetStatus(codes.Error, res.Error)
		e.logger.Debug("Preprocessing failed",
			zap.Uint64("itemid", task.ItemID),
			zap.String("error", res.Error))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

func (e *Executor) run(ctx context.Context, task protocol.Task) protocol.Result {
	res := protocol.Result{TaskID: task.TaskID}

	chain, err := steps.ParseChain(task.Steps)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	cur := task.Value
	var (
		hist    []history.Entry
		errMsg  string
		results = make([]protocol.StepResult, 0, len(chain))
	)

	for i, s := range chain {
		if cur.IsNone() {
			break
		}
		if _, isCheck := s.Op.(steps.ValidateNotSupported); cur.IsError() && !isCheck {
			break
		}

		var prev *history.Entry
		if entry, ok := history.Find(task.History, s.Index); ok {
			prev = &entry
		}

		out := s.Run(ctx, e.env, cur, prev, task.Timestamp)
		if out.Err == nil {
			cur = out.Value
			if out.History != nil {
				hist = append(hist, *out.History)
			}
			results = append(results, protocol.StepResult{Value: cur})
			continue
		}

		sr := protocol.StepResult{Error: out.Err.Error()}
		switch s.OnFail {
		case steps.HandlerDiscard:
			cur = value.None()
			sr.Action = ActionDiscard
		case steps.HandlerSetValue:
			cur = value.String(s.FailParam)
			sr.Action, sr.Value = ActionSetValue, cur
		case steps.HandlerSetError:
			cur = value.None()
			errMsg = s.FailParam
			sr.Action = ActionSetError
		default:
			cur = value.None()
			errMsg = fmt.Sprintf("Item preprocessing step #%d failed: %s", i+1, out.Err)
			sr.Action = ActionFail
		}
		results = append(results, sr)
		break
	}

	if errMsg == "" && cur.IsError() {
		errMsg = cur.ErrorText()
		cur = value.None()
	}

	if errMsg == "" {
		converted, err := value.Convert(cur, task.ValueType)
		if err != nil {
			errMsg = err.Error()
			cur = value.None()
		} else {
			cur = converted
		}
	}

	if errMsg != "" {
		res.Error = errMsg
		res.Trace = renderTrace(task, chain, results)
		hist = nil
	}

	res.Value = cur
	res.History = hist
	if task.Test {
		res.Steps = results
	}
	return res
}

func renderTrace(task protocol.Task, chain []steps.Step, results []protocol.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Preprocessing of item %d:\n", task.ItemID)
	fmt.Fprintf(&b, "input: %s\n", task.Value)
	for i, r := range results {
		fmt.Fprintf(&b, "step #%d %s: ", i+1, chain[i].Op.Kind())
		switch {
		case r.Error != "" && r.Action != "":
			fmt.Fprintf(&b, "error %q, action %s", r.Error, r.Action)
		case r.Error != "":
			fmt.Fprintf(&b, "error %q", r.Error)
		default:
			b.WriteString(r.Value.String())
		}
		b.WriteByte('\n')
	}
	return b.String()
}
