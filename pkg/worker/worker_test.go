package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

var ts = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func task(vt value.Type, in value.Value, defs ...steps.Definition) protocol.Task {
	return protocol.Task{TaskID: 1, ItemID: 42, ValueType: vt, Timestamp: ts, Value: in, Steps: defs}
}

func TestExecuteHandlers(t *testing.T) {
	failing := steps.Definition{Type: steps.KindMultiplier, Params: "2"}
	tests := []struct {
		name      string
		handler   steps.Handler
		param     string
		wantValue value.Value
		wantErr   string
	}{
		{"default", steps.HandlerDefault, "", value.None(), "Item preprocessing step #2 failed: cannot apply multiplier"},
		{"discard", steps.HandlerDiscard, "", value.None(), ""},
		{"set value", steps.HandlerSetValue, "17", value.String("17"), ""},
		{"set error", steps.HandlerSetError, "custom failure", value.None(), "custom failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := failing
			def.ErrorHandler, def.ErrorParams = tt.handler, tt.param
			res := NewExecutor(time.Second, zap.NewNop()).Execute(context.Background(),
				task(value.TypeStr, value.String(" abc "), steps.Definition{Type: steps.KindTrim, Params: " "}, def,
					steps.Definition{Type: steps.KindStrReplace, Params: "1\n2"}))

			assert.Equal(t, tt.wantValue, res.Value)
			if tt.wantErr == "" {
				assert.Empty(t, res.Error)
				assert.Empty(t, res.Trace)
				return
			}
			assert.Contains(t, res.Error, tt.wantErr)
			assert.Contains(t, res.Trace, "step #2 multiplier")
		})
	}
}

func TestExecuteConvertsToItemType(t *testing.T) {
	exec := NewExecutor(time.Second, nil)

	res := exec.Execute(context.Background(), task(value.TypeUint64, value.String("10"),
		steps.Definition{Type: steps.KindMultiplier, Params: "1.5"}))
	require.Empty(t, res.Error)
	assert.Equal(t, value.Uint64(15), res.Value)

	res = exec.Execute(context.Background(), task(value.TypeUint64, value.String("abc"),
		steps.Definition{Type: steps.KindTrim, Params: " "}))
	assert.Equal(t, `Value of type "string" is not suitable for value type "Numeric (unsigned)". Value "abc"`, res.Error)
	assert.True(t, res.Value.IsNone())
}

func TestExecuteHistory(t *testing.T) {
	exec := NewExecutor(time.Second, nil)
	defs := []steps.Definition{
		{Type: steps.KindTrim, Params: " "},
		{Type: steps.KindDeltaValue},
	}

	first := exec.Execute(context.Background(), task(value.TypeUint64, value.String("10"), defs...))
	require.Empty(t, first.Error)
	assert.True(t, first.Value.IsNone())
	require.Len(t, first.History, 1)
	assert.Equal(t, 1, first.History[0].Step)

	next := task(value.TypeUint64, value.String("25"), defs...)
	next.History = first.History
	second := exec.Execute(context.Background(), next)
	assert.Equal(t, value.Uint64(15), second.Value)
	assert.Equal(t, value.Uint64(25), second.History[0].Value)

	broken := task(value.TypeUint64, value.String("x"), defs...)
	broken.History = second.History
	failed := exec.Execute(context.Background(), broken)
	assert.NotEmpty(t, failed.Error)
	assert.Nil(t, failed.History, "a failed chain clears history")
}

func TestExecuteErrorValue(t *testing.T) {
	exec := NewExecutor(time.Second, nil)

	res := exec.Execute(context.Background(), task(value.TypeStr, value.Error("no data"),
		steps.Definition{Type: steps.KindTrim, Params: " "}))
	assert.Equal(t, "no data", res.Error)

	res = exec.Execute(context.Background(), task(value.TypeStr, value.Error("no data"),
		steps.Definition{Type: steps.KindValidateNotSupported, ErrorHandler: steps.HandlerSetValue, ErrorParams: "0"}))
	assert.Empty(t, res.Error)
	assert.Equal(t, value.String("0"), res.Value)
}

func TestExecuteTestTaskReportsSteps(t *testing.T) {
	tk := task(value.TypeFloat, value.String("4"),
		steps.Definition{Type: steps.KindMultiplier, Params: "2"},
		steps.Definition{Type: steps.KindThrottleValue})
	tk.Test = true
	tk.History = []history.Entry{{Step: 1, Value: value.Uint64(8), Timestamp: ts}}

	res := NewExecutor(time.Second, nil).Execute(context.Background(), tk)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, value.Uint64(8), res.Steps[0].Value)
	assert.True(t, res.Steps[1].Value.IsNone(), "same value is throttled")
	assert.True(t, res.Value.IsNone())
}

func TestExecuteRejectsBadDefinition(t *testing.T) {
	res := NewExecutor(time.Second, nil).Execute(context.Background(),
		task(value.TypeStr, value.String("x"), steps.Definition{Type: "bogus"}))
	assert.Contains(t, res.Error, "unknown step type")
}

type fakeManager struct {
	mu      sync.Mutex
	limit   int // registrations beyond limit fail; zero means unlimited
	senders map[int]protocol.TaskSender
	results chan protocol.Result
	lost    chan error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		senders: make(map[int]protocol.TaskSender),
		results: make(chan protocol.Result, 8),
		lost:    make(chan error, 1),
	}
}

func (m *fakeManager) RegisterWorker(_ context.Context, _ protocol.RegisterWorker, s protocol.TaskSender) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && len(m.senders) >= m.limit {
		return 0, errors.New("manager stopped")
	}
	id := len(m.senders) + 1
	m.senders[id] = s
	return id, nil
}

func (m *fakeManager) DeliverResult(_ context.Context, _ int, res protocol.Result) error {
	m.results <- res
	return nil
}

func (m *fakeManager) WorkerLost(_ context.Context, _ int, cause error) error {
	m.lost <- cause
	return nil
}

func (m *fakeManager) sender(id int) protocol.TaskSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senders[id]
}

func TestPoolServesTasks(t *testing.T) {
	pool, err := NewPool(2, time.Second, zap.NewNop())
	require.NoError(t, err)

	m := newFakeManager()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, m) }()

	require.Eventually(t, func() bool { return m.sender(2) != nil }, time.Second, 5*time.Millisecond)

	tk := task(value.TypeUint64, value.String("3"), steps.Definition{Type: steps.KindMultiplier, Params: "3"})
	require.NoError(t, m.sender(1).SendTask(tk))

	select {
	case res := <-m.results:
		assert.Equal(t, value.Uint64(9), res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestPoolReturnsRegistrationError(t *testing.T) {
	pool, err := NewPool(3, time.Second, zap.NewNop())
	require.NoError(t, err)

	m := newFakeManager()
	m.limit = 1
	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background(), m) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manager stopped")
	case <-time.After(2 * time.Second):
		t.Fatal("pool kept waiting on started workers")
	}
}

func TestPoolRejectsZeroSize(t *testing.T) {
	_, err := NewPool(0, time.Second, nil)
	assert.Error(t, err)
}

func TestLocalWorkerHoldsOneTask(t *testing.T) {
	w := &localWorker{id: 1, tasks: make(chan protocol.Task, 1)}
	require.NoError(t, w.SendTask(protocol.Task{}))
	assert.Error(t, w.SendTask(protocol.Task{}))
}

func TestExecuteRecoversPanic(t *testing.T) {
	pool, err := NewPool(1, time.Second, nil)
	require.NoError(t, err)

	_, err = pool.execute(context.Background(), nil, protocol.Task{TaskID: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic while executing task 3")
	assert.False(t, perrors.IsFatal(err))
}
