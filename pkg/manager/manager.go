// Package manager runs the preprocessing event loop. One goroutine owns the
// queue, the item configuration cache, the history store and the worker
// table; every public method posts a closure to that goroutine.
package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/queue"
	"github.com/wehubfusion/preproc/pkg/sink"
)

const (
	DefaultFlushInterval = time.Second
	DefaultSyncInterval  = time.Second
)

// Config tunes the event loop.
type Config struct {
	// FlushInterval bounds the time between two sink flushes while work is
	// outstanding.
	FlushInterval time.Duration
	// SyncInterval is the pipeline tick on which item configuration is
	// refreshed.
	SyncInterval time.Duration
	// CheckParent rejects workers that do not report this process as their
	// parent.
	CheckParent bool
	// PID is the process id workers must report. Zero means os.Getpid().
	PID int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for ticks, flush budgets and enqueue
// timestamps.
func WithClock(clock clockz.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// Manager is the preprocessing manager.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	clock  clockz.Clock

	inbox chan func()
	done  chan struct{}

	queue    *queue.Queue
	cache    *itemconfig.Cache
	history  *history.Store
	dispatch *dispatcher
	sink     sink.Sink

	lastFlush  time.Time
	dirty      bool
	fatal      error
	nextTaskID uint64
	submitted  uint64
	flushed    uint64
}

// New creates a manager reading item configuration from src and flushing
// finished values to out.
func New(cfg Config, src itemconfig.Source, out sink.Sink, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}

	hist := history.NewStore()
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		clock:    clockz.RealClock,
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
		queue:    queue.New(),
		cache:    itemconfig.NewCache(src, hist, logger),
		history:  hist,
		dispatch: newDispatcher(),
		sink:     out,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run serves events until ctx is cancelled or a fatal error occurs. A fatal
// error (lost worker, malformed message, inconsistent configuration) is
// returned; cancellation flushes what is ready and returns nil.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	if err := m.cache.Sync(ctx); err != nil {
		return fmt.Errorf("initial configuration sync failed: %w", err)
	}

	m.lastFlush = m.clock.Now()
	tick := m.clock.NewTimer(m.cfg.SyncInterval)
	defer tick.Stop()

	m.logger.Info("Preprocessing manager started",
		zap.Int("items", m.cache.Len()),
		zap.Duration("flushInterval", m.cfg.FlushInterval))

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case fn := <-m.inbox:
			fn()
		case <-tick.C():
			m.sync(ctx)
			tick.Reset(m.cfg.SyncInterval)
		}

		if m.fatal == nil {
			m.afterEvent(ctx)
		}
		if m.fatal != nil {
			m.logger.Error("Preprocessing manager stopped on fatal error", zap.Error(m.fatal))
			return m.fatal
		}
	}
}

func (m *Manager) sync(ctx context.Context) {
	if err := m.cache.Sync(ctx); err != nil {
		if perrors.IsFatal(err) {
			m.fatal = err
			return
		}
		m.logger.Warn("Item configuration sync failed, keeping previous snapshot", zap.Error(err))
	}
}

func (m *Manager) afterEvent(ctx context.Context) {
	m.assignTasks()
	if m.fatal != nil {
		return
	}
	m.flushReady()

	busy := m.queue.Count(queue.StatePending) + m.queue.Count(queue.StateProcessing) + m.queue.Count(queue.StateQueued)
	now := m.clock.Now()
	if busy != 0 && now.Sub(m.lastFlush) < m.cfg.FlushInterval {
		return
	}
	m.lastFlush = now
	m.flushSink(ctx)
}

func (m *Manager) flushSink(ctx context.Context) {
	if !m.dirty {
		return
	}
	if err := m.sink.Flush(ctx); err != nil {
		m.logger.Warn("Failed to flush preprocessed values", zap.Error(err))
		return
	}
	m.dirty = false
}

func (m *Manager) shutdown() {
	m.flushReady()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.flushSink(ctx)
	m.logger.Info("Preprocessing manager stopped",
		zap.Int("unflushed", m.queue.Len()),
		zap.Uint64("flushed", m.flushed))
}

// post runs fn on the event loop.
func (m *Manager) post(ctx context.Context, fn func()) error {
	select {
	case m.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return perrors.ErrStopped
	}
}

// ask runs fn on the event loop and waits for its answer.
func ask[T any](ctx context.Context, m *Manager, fn func() T) (T, error) {
	reply := make(chan T, 1)
	var zero T
	if err := m.post(ctx, func() { reply <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, perrors.ErrStopped
		}
	}
}

// Submit enqueues a batch of collected values.
func (m *Manager) Submit(ctx context.Context, values []protocol.RawValue) error {
	return m.post(ctx, func() {
		for _, v := range values {
			m.enqueueRaw(v)
		}
	})
}

// RegisterWorker adds a worker to the pool and returns its id.
func (m *Manager) RegisterWorker(ctx context.Context, reg protocol.RegisterWorker, sender protocol.TaskSender) (int, error) {
	type answer struct {
		id  int
		err error
	}
	a, err := ask(ctx, m, func() answer {
		if m.cfg.CheckParent && reg.ParentPID != m.cfg.PID {
			m.logger.Warn("Rejected worker registration",
				zap.Int("ppid", reg.ParentPID), zap.String("instance", reg.InstanceID))
			return answer{err: fmt.Errorf("%w: reported parent %d", perrors.ErrNotChild, reg.ParentPID)}
		}
		id := m.dispatch.register(sender)
		m.logger.Debug("Worker registered", zap.Int("workerID", id), zap.String("instance", reg.InstanceID))
		return answer{id: id}
	})
	if err != nil {
		return 0, err
	}
	return a.id, a.err
}

// DeliverResult hands a worker's result to the manager.
func (m *Manager) DeliverResult(ctx context.Context, workerID int, res protocol.Result) error {
	return m.post(ctx, func() { m.onResult(workerID, res) })
}

// WorkerLost reports that a worker can no longer be reached. This is fatal.
func (m *Manager) WorkerLost(ctx context.Context, workerID int, cause error) error {
	return m.post(ctx, func() {
		if cause == nil {
			cause = perrors.ErrWorkerLost
		}
		m.fatal = fmt.Errorf("worker %d: %w", workerID, cause)
		if !perrors.IsFatal(m.fatal) {
			m.fatal = fmt.Errorf("%w: %v", perrors.ErrWorkerLost, m.fatal)
		}
	})
}

// QueueDepth returns the number of unflushed requests.
func (m *Manager) QueueDepth(ctx context.Context) (int, error) {
	return ask(ctx, m, func() int { return m.queue.Len() })
}

// Test runs a step chain against a literal value ahead of ordinary work.
// History is neither read from nor written to the store.
func (m *Manager) Test(ctx context.Context, req protocol.TestRequest) (protocol.TestResult, error) {
	t := &testJob{req: req, reply: make(chan protocol.TestResult, 1)}
	if err := m.post(ctx, func() { m.dispatch.tests = append(m.dispatch.tests, t) }); err != nil {
		return protocol.TestResult{}, err
	}
	select {
	case res := <-t.reply:
		return res, nil
	case <-ctx.Done():
		return protocol.TestResult{}, ctx.Err()
	case <-m.done:
		return protocol.TestResult{}, perrors.ErrStopped
	}
}

// DiagnosticStats returns request counts by lifecycle state.
func (m *Manager) DiagnosticStats(ctx context.Context) (protocol.DiagStats, error) {
	return ask(ctx, m, m.stats)
}

// TopItems returns the items with the most unflushed values.
func (m *Manager) TopItems(ctx context.Context, limit int) ([]protocol.TopItem, error) {
	return ask(ctx, m, func() []protocol.TopItem { return m.top(limit, false) })
}

// TopOldest returns the preprocessed items whose oldest unflushed value has
// waited longest.
func (m *Manager) TopOldest(ctx context.Context, limit int) ([]protocol.TopItem, error) {
	return ask(ctx, m, func() []protocol.TopItem { return m.top(limit, true) })
}
