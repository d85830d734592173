package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/protocol"
)

// Manager is the part of the manager API a worker talks to.
type Manager interface {
	RegisterWorker(ctx context.Context, reg protocol.RegisterWorker, sender protocol.TaskSender) (int, error)
	DeliverResult(ctx context.Context, workerID int, res protocol.Result) error
	WorkerLost(ctx context.Context, workerID int, cause error) error
}

// Pool runs in-process workers.
type Pool struct {
	size          int
	scriptTimeout time.Duration
	logger        *zap.Logger
}

// NewPool creates a pool of size workers.
func NewPool(size int, scriptTimeout time.Duration, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, scriptTimeout: scriptTimeout, logger: logger}, nil
}

type localWorker struct {
	id    int
	tasks chan protocol.Task
}

// SendTask hands a task to the worker. Each worker holds at most one task.
func (w *localWorker) SendTask(task protocol.Task) error {
	select {
	case w.tasks <- task:
		return nil
	default:
		return fmt.Errorf("worker %d already holds a task", w.id)
	}
}

// Run registers the workers with m and serves tasks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, m Manager) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	for i := 0; i < p.size; i++ {
		w := &localWorker{tasks: make(chan protocol.Task, 1)}
		reg := protocol.RegisterWorker{ParentPID: os.Getpid(), InstanceID: uuid.NewString()}
		id, err := m.RegisterWorker(ctx, reg, w)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to register worker: %w", err)
		}
		w.id = id

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.serve(ctx, m, w)
		}()
	}

	p.logger.Info("Worker pool started", zap.Int("workers", p.size))
	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

func (p *Pool) serve(ctx context.Context, m Manager, w *localWorker) {
	exec := NewExecutor(p.scriptTimeout, p.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			res, err := p.execute(ctx, exec, task)
			if err != nil {
				p.logger.Error("Worker crashed", zap.Int("workerID", w.id), zap.Error(err))
				_ = m.WorkerLost(ctx, w.id, fmt.Errorf("%w: worker %d: %v", perrors.ErrWorkerLost, w.id, err))
				return
			}
			if err := m.DeliverResult(ctx, w.id, res); err != nil {
				if ctx.Err() == nil {
					p.logger.Error("Failed to deliver result", zap.Int("workerID", w.id), zap.Error(err))
				}
				return
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, exec *Executor, task protocol.Task) (res protocol.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while executing task %d: %v", task.TaskID, r)
		}
	}()
	return exec.Execute(ctx, task), nil
}
