package manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/sink"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

var ts = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockz.Clock
	Advance(time.Duration)
	BlockUntilReady()
}

type captureWorker struct {
	tasks chan protocol.Task
}

func (w *captureWorker) SendTask(task protocol.Task) error {
	w.tasks <- task
	return nil
}

func (w *captureWorker) next(t *testing.T) protocol.Task {
	t.Helper()
	select {
	case task := <-w.tasks:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("no task dispatched")
		return protocol.Task{}
	}
}

func (w *captureWorker) idle(t *testing.T) {
	t.Helper()
	select {
	case task := <-w.tasks:
		t.Fatalf("unexpected task for item %d", task.ItemID)
	default:
	}
}

type harness struct {
	m     *Manager
	src   *itemconfig.StaticSource
	out   *sink.Memory
	clock fakeClock
	ctx   context.Context
	errc  chan error
	stop  context.CancelFunc
}

func start(t *testing.T, items ...itemconfig.Item) *harness {
	t.Helper()
	return startWith(t, Config{}, items...)
}

func startWith(t *testing.T, cfg Config, items ...itemconfig.Item) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		src:   itemconfig.NewStaticSource(items...),
		out:   sink.NewMemory(),
		clock: clockz.NewFakeClock(),
		ctx:   ctx,
		errc:  make(chan error, 1),
		stop:  cancel,
	}
	h.m = New(cfg, h.src, h.out, zap.NewNop(), WithClock(h.clock))
	go func() { h.errc <- h.m.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) register(t *testing.T) (int, *captureWorker) {
	t.Helper()
	w := &captureWorker{tasks: make(chan protocol.Task, 16)}
	id, err := h.m.RegisterWorker(h.ctx, protocol.RegisterWorker{ParentPID: h.m.cfg.PID}, w)
	require.NoError(t, err)
	return id, w
}

func (h *harness) submit(t *testing.T, values ...protocol.RawValue) {
	t.Helper()
	require.NoError(t, h.m.Submit(h.ctx, values))
	h.depth(t)
}

func (h *harness) deliver(t *testing.T, workerID int, res protocol.Result) {
	t.Helper()
	require.NoError(t, h.m.DeliverResult(h.ctx, workerID, res))
	h.depth(t)
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.m.QueueDepth(h.ctx)
	require.NoError(t, err)
	return n
}

func (h *harness) stats(t *testing.T) protocol.DiagStats {
	t.Helper()
	s, err := h.m.DiagnosticStats(h.ctx)
	require.NoError(t, err)
	return s
}

func (h *harness) flushedItems() []uint64 {
	var out []uint64
	for _, v := range h.out.Values() {
		out = append(out, v.ItemID)
	}
	return out
}

func raw(item uint64, v string) protocol.RawValue {
	return protocol.RawValue{ItemID: item, HostID: 1, ValueType: value.TypeStr, Value: value.String(v), Timestamp: ts}
}

func stateless(id uint64, deps ...uint64) itemconfig.Item {
	item := itemconfig.Item{
		ID:           id,
		ValueType:    value.TypeUint64,
		Steps:        []steps.Definition{{Type: steps.KindMultiplier, Params: "10"}},
		LastModified: 1,
	}
	for _, d := range deps {
		item.Dependents = append(item.Dependents, itemconfig.Dependent{ItemID: d})
	}
	return item
}

func delta(id uint64, stamp int64) itemconfig.Item {
	return itemconfig.Item{
		ID:           id,
		ValueType:    value.TypeUint64,
		Steps:        []steps.Definition{{Type: steps.KindDeltaValue}},
		LastModified: stamp,
	}
}

func TestStatelessFlushKeepsSubmissionOrder(t *testing.T) {
	h := start(t, stateless(1))
	w1, c1 := h.register(t)
	w2, c2 := h.register(t)

	h.submit(t, raw(1, "5"), raw(1, "7"))
	first, second := c1.next(t), c2.next(t)
	assert.Equal(t, value.String("5"), first.Value)
	assert.Equal(t, value.String("7"), second.Value)

	h.deliver(t, w2, protocol.Result{TaskID: second.TaskID, Value: value.Uint64(70)})
	assert.Equal(t, 2, h.depth(t))
	assert.Empty(t, h.out.Values(), "second value waits for the first")

	h.deliver(t, w1, protocol.Result{TaskID: first.TaskID, Value: value.Uint64(50)})
	assert.Zero(t, h.depth(t))

	got := h.out.Values()
	require.Len(t, got, 2)
	assert.Equal(t, value.Uint64(50), got[0].Value)
	assert.Equal(t, value.Uint64(70), got[1].Value)
	assert.Equal(t, value.TypeUint64, got[0].ValueType)
	assert.GreaterOrEqual(t, h.out.Flushes(), 1)
}

func TestOrderSensitiveValuesWaitForEachOther(t *testing.T) {
	h := start(t, delta(2, 1))
	w1, c1 := h.register(t)
	_, c2 := h.register(t)

	h.submit(t, raw(2, "10"), raw(2, "15"))
	first := c1.next(t)
	c2.idle(t)
	assert.Empty(t, first.History)

	s := h.stats(t)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Links)

	entry := history.Entry{Step: 0, Value: value.Uint64(10), Timestamp: ts}
	h.deliver(t, w1, protocol.Result{TaskID: first.TaskID, Value: value.None(), History: []history.Entry{entry}})

	second := c2.next(t)
	assert.Equal(t, value.String("15"), second.Value)
	assert.Equal(t, []history.Entry{entry}, second.History, "second run sees the first run's history")
}

func TestDependentFanOutIsTransitive(t *testing.T) {
	a := stateless(1, 2)
	b := stateless(2, 3)
	c := itemconfig.Item{ID: 3, ValueType: value.TypeUint64, LastModified: 1}
	h := start(t, a, b, c)
	w, cw := h.register(t)

	h.submit(t, raw(1, "4"))
	ta := cw.next(t)
	h.deliver(t, w, protocol.Result{TaskID: ta.TaskID, Value: value.Uint64(40)})

	tb := cw.next(t)
	assert.Equal(t, uint64(2), tb.ItemID)
	assert.Equal(t, value.Uint64(40), tb.Value, "dependent gets the master's finished value")
	h.deliver(t, w, protocol.Result{TaskID: tb.TaskID, Value: value.Uint64(400)})

	assert.Zero(t, h.depth(t))
	if diff := cmp.Diff([]uint64{1, 2, 3}, h.flushedItems()); diff != "" {
		t.Errorf("flush order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, value.Uint64(400), h.out.Values()[2].Value)
}

// nextFrom waits for a task on any of the workers.
func nextFrom(t *testing.T, workers map[int]*captureWorker) (int, protocol.Task) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for id, w := range workers {
			select {
			case task := <-w.tasks:
				return id, task
			default:
			}
		}
		select {
		case <-deadline:
			t.Fatal("no task dispatched")
			return 0, protocol.Task{}
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDependentsFlushBeforeLaterValues(t *testing.T) {
	h := start(t, stateless(1, 2), stateless(2))
	w1, c1 := h.register(t)
	w2, c2 := h.register(t)
	workers := map[int]*captureWorker{w1: c1, w2: c2}

	h.submit(t, raw(1, "1"), raw(2, "2"))
	master, direct := c1.next(t), c2.next(t)
	require.Equal(t, uint64(1), master.ItemID)

	h.deliver(t, w2, protocol.Result{TaskID: direct.TaskID, Value: value.Uint64(222)})
	h.deliver(t, w1, protocol.Result{TaskID: master.TaskID, Value: value.Uint64(10)})

	id, dep := nextFrom(t, workers)
	assert.Equal(t, uint64(2), dep.ItemID)
	assert.Equal(t, []uint64{1}, h.flushedItems())
	h.deliver(t, id, protocol.Result{TaskID: dep.TaskID, Value: value.Uint64(100)})

	var got []value.Value
	for _, v := range h.out.Values() {
		got = append(got, v.Value)
	}
	assert.Equal(t, []value.Value{value.Uint64(10), value.Uint64(100), value.Uint64(222)}, got)
}

func TestTransitiveDependentsFlushBeforeLaterValues(t *testing.T) {
	leaf := itemconfig.Item{ID: 3, ValueType: value.TypeUint64, LastModified: 1}
	h := start(t, stateless(1, 2), stateless(2, 3), leaf, stateless(9))
	w1, c1 := h.register(t)
	w2, c2 := h.register(t)
	workers := map[int]*captureWorker{w1: c1, w2: c2}

	h.submit(t, raw(1, "1"), raw(9, "9"))
	master, later := c1.next(t), c2.next(t)

	h.deliver(t, w2, protocol.Result{TaskID: later.TaskID, Value: value.Uint64(90)})
	h.deliver(t, w1, protocol.Result{TaskID: master.TaskID, Value: value.Uint64(10)})

	id, dep := nextFrom(t, workers)
	require.Equal(t, uint64(2), dep.ItemID)
	h.deliver(t, id, protocol.Result{TaskID: dep.TaskID, Value: value.Uint64(100)})

	assert.Zero(t, h.depth(t))
	if diff := cmp.Diff([]uint64{1, 2, 3, 9}, h.flushedItems()); diff != "" {
		t.Errorf("flush order mismatch (-want +got):\n%s", diff)
	}
}

func TestNoFanOutOnFailure(t *testing.T) {
	h := start(t, stateless(1, 2), stateless(2))
	w, cw := h.register(t)

	h.submit(t, raw(1, "x"))
	task := cw.next(t)
	h.deliver(t, w, protocol.Result{TaskID: task.TaskID, Error: "Item preprocessing step #1 failed: bad"})

	cw.idle(t)
	got := h.out.Values()
	require.Len(t, got, 1)
	assert.True(t, got[0].NotSupported)
	assert.Equal(t, "Item preprocessing step #1 failed: bad", got[0].Error)
}

func TestDependentsOfItemsWithoutSteps(t *testing.T) {
	master := itemconfig.Item{ID: 1, ValueType: value.TypeText, LastModified: 1,
		Dependents: []itemconfig.Dependent{{ItemID: 2}, {ItemID: 3}}}
	h := start(t, master, stateless(2), itemconfig.Item{ID: 3, LastModified: 1})
	w, cw := h.register(t)

	h.submit(t, raw(1, "9"))
	task := cw.next(t)
	assert.Equal(t, uint64(2), task.ItemID)
	assert.Equal(t, value.String("9"), task.Value)

	h.deliver(t, w, protocol.Result{TaskID: task.TaskID, Value: value.Uint64(90)})
	assert.Equal(t, []uint64{1, 2, 3}, h.flushedItems())
}

func TestUnsupportedValuesSkipWorkers(t *testing.T) {
	h := start(t, delta(4, 1))
	w, cw := h.register(t)

	h.submit(t, raw(4, "1"))
	task := cw.next(t)
	h.deliver(t, w, protocol.Result{TaskID: task.TaskID, History: []history.Entry{{Step: 0, Value: value.Uint64(1)}}})
	assert.Equal(t, 1, h.stats(t).History)

	h.submit(t, protocol.RawValue{ItemID: 4, State: protocol.ItemStateNotSupported, Error: "timeout", Timestamp: ts})
	assert.Zero(t, h.depth(t))
	cw.idle(t)

	s := h.stats(t)
	assert.Zero(t, s.History, "unsupported item loses its history")
	got := h.out.Values()
	require.Len(t, got, 1, "discarded first delta sample is not stored")
	assert.True(t, got[0].NotSupported)
	assert.Equal(t, "timeout", got[0].Error)
}

func TestDiscardedValueWithMetaIsStored(t *testing.T) {
	h := start(t, stateless(1))
	w, cw := h.register(t)

	v := raw(1, "1")
	v.Meta = &value.Meta{LastLogSize: 100}
	h.submit(t, v)
	task := cw.next(t)
	h.deliver(t, w, protocol.Result{TaskID: task.TaskID, Value: value.None()})

	got := h.out.Values()
	require.Len(t, got, 1)
	assert.True(t, got[0].Value.IsNone())
	assert.Equal(t, uint64(100), got[0].Meta.LastLogSize)
}

func TestConfigChangeDropsHistory(t *testing.T) {
	h := start(t, delta(2, 1))
	w, cw := h.register(t)

	h.submit(t, raw(2, "10"))
	task := cw.next(t)

	// The item changes while its value is being processed.
	h.src.Set(delta(2, 2), stateless(99))
	require.Eventually(t, func() bool {
		h.clock.Advance(DefaultSyncInterval)
		return h.stats(t).Items == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.deliver(t, w, protocol.Result{TaskID: task.TaskID, History: []history.Entry{{Step: 0, Value: value.Uint64(10)}}})
	assert.Zero(t, h.stats(t).History, "history captured under the old definition is dropped")

	h.submit(t, raw(2, "12"))
	next := cw.next(t)
	assert.Empty(t, next.History)
}

func TestPriorityItemsGoFirst(t *testing.T) {
	prio := stateless(5)
	prio.Flags = itemconfig.FlagPriority
	h := start(t, stateless(1), prio)

	h.submit(t, raw(1, "a"), raw(5, "b"), raw(1, "c"))
	_, cw := h.register(t)

	assert.Equal(t, uint64(5), cw.next(t).ItemID)
}

func TestTestRequestsBypassQueue(t *testing.T) {
	h := start(t, stateless(1))
	w, cw := h.register(t)

	h.submit(t, raw(1, "1"), raw(1, "2"))
	busy := cw.next(t)

	type answer struct {
		res protocol.TestResult
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		res, err := h.m.Test(h.ctx, protocol.TestRequest{
			ValueType: value.TypeUint64,
			Value:     "3",
			Steps:     []steps.Definition{{Type: steps.KindMultiplier, Params: "2"}},
		})
		answers <- answer{res, err}
	}()
	require.Eventually(t, func() bool { return h.stats(t).Tests == 1 }, time.Second, 5*time.Millisecond)

	h.deliver(t, w, protocol.Result{TaskID: busy.TaskID, Value: value.Uint64(10)})
	test := cw.next(t)
	require.True(t, test.Test, "test request is served before queued values")
	assert.Equal(t, value.String("3"), test.Value)

	h.deliver(t, w, protocol.Result{TaskID: test.TaskID, Value: value.Uint64(6), Steps: []protocol.StepResult{{Value: value.Uint64(6)}}})
	a := <-answers
	require.NoError(t, a.err)
	assert.Equal(t, value.Uint64(6), a.res.Value)
	require.Len(t, a.res.Steps, 1)

	assert.Equal(t, value.String("2"), cw.next(t).Value)
	assert.Zero(t, h.stats(t).History)
}

func TestTopItems(t *testing.T) {
	h := start(t, stateless(1), stateless(2))

	h.submit(t, raw(2, "a"))
	h.clock.Advance(time.Second)
	h.submit(t, raw(1, "b"), raw(1, "c"), raw(7, "d"))

	top, err := h.m.TopItems(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, uint64(1), top[0].ItemID)
	assert.Equal(t, 2, top[0].Values)

	oldest, err := h.m.TopOldest(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, oldest, 2, "items without steps are not listed")
	assert.Equal(t, uint64(2), oldest[0].ItemID)
	assert.Equal(t, uint64(1), oldest[1].ItemID)
}

func TestWorkerLostIsFatal(t *testing.T) {
	h := start(t)
	id, _ := h.register(t)

	require.NoError(t, h.m.WorkerLost(h.ctx, id, nil))
	err := <-h.errc
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrWorkerLost)

	_, err = h.m.QueueDepth(context.Background())
	assert.ErrorIs(t, err, perrors.ErrStopped)
}

func TestResultFromUnknownWorkerIsFatal(t *testing.T) {
	h := start(t)
	require.NoError(t, h.m.DeliverResult(h.ctx, 42, protocol.Result{}))
	assert.ErrorIs(t, <-h.errc, perrors.ErrUnknownWorker)
}

func TestRegisterRejectsForeignWorkers(t *testing.T) {
	h := startWith(t, Config{CheckParent: true, PID: 100})

	_, err := h.m.RegisterWorker(h.ctx, protocol.RegisterWorker{ParentPID: 7}, &captureWorker{})
	assert.ErrorIs(t, err, perrors.ErrNotChild)

	_, err = h.m.RegisterWorker(h.ctx, protocol.RegisterWorker{ParentPID: 100}, &captureWorker{})
	assert.NoError(t, err)
}

func TestInconsistentConfigStopsManager(t *testing.T) {
	bad := itemconfig.Item{ID: 1, Steps: []steps.Definition{{Type: "bogus"}}}
	h := start(t, bad)
	assert.ErrorIs(t, <-h.errc, perrors.ErrConfigInconsistent)
}

func TestCancelStopsCleanly(t *testing.T) {
	h := start(t)
	h.submit(t, raw(9, "x"))
	assert.Equal(t, 0, h.depth(t))
	h.stop()
	assert.NoError(t, <-h.errc)
	assert.Equal(t, []uint64{9}, h.flushedItems())
}
