package natsbus

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/worker"
)

// Worker is the worker process side of the bus. It executes one task at a
// time and publishes each result to the manager.
type Worker struct {
	conn     Conn
	subj     Subjects
	exec     *worker.Executor
	logger   *zap.Logger
	instance string
	ppid     int
	tasks    chan protocol.Task
}

// NewWorker creates a worker for subjects below prefix.
func NewWorker(conn Conn, prefix string, scriptTimeout time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		conn:     conn,
		subj:     NewSubjects(prefix),
		exec:     worker.NewExecutor(scriptTimeout, logger),
		logger:   logger,
		instance: uuid.NewString(),
		ppid:     os.Getppid(),
		tasks:    make(chan protocol.Task, 1),
	}
}

// Instance returns the id the worker registers under.
func (w *Worker) Instance() string { return w.instance }

// Run registers with the manager and serves tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.conn.Subscribe(w.subj.WorkerTask(w.instance), w.handleTask)
	if err != nil {
		return fmt.Errorf("failed to subscribe for tasks: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ping, err := w.conn.Subscribe(w.subj.WorkerPing(w.instance), w.handlePing)
	if err != nil {
		return fmt.Errorf("failed to subscribe for pings: %w", err)
	}
	defer func() { _ = ping.Unsubscribe() }()

	id, err := w.register(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("Worker registered", zap.Int("workerID", id), zap.String("instance", w.instance))

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-w.tasks:
			res := w.exec.Execute(ctx, task)
			data, err := protocol.Encode(protocol.WorkerResult{WorkerID: id, Result: res})
			if err != nil {
				return err
			}
			if err := w.conn.Publish(w.subj.Result(), data); err != nil {
				return fmt.Errorf("failed to publish result of task %d: %w", task.TaskID, err)
			}
		}
	}
}

func (w *Worker) register(ctx context.Context) (int, error) {
	data, err := protocol.Encode(protocol.RegisterWorker{ParentPID: w.ppid, InstanceID: w.instance})
	if err != nil {
		return 0, err
	}
	msg, err := w.conn.RequestWithContext(ctx, w.subj.Register(), data)
	if err != nil {
		return 0, fmt.Errorf("failed to register with manager: %w", err)
	}
	var reply protocol.RegisterReply
	if err := protocol.DecodeReply(msg.Data, &reply); err != nil {
		return 0, fmt.Errorf("manager rejected registration: %w", err)
	}
	return reply.WorkerID, nil
}

// handleTask accepts a task if the worker is free. The acknowledgement is
// sent before execution starts.
func (w *Worker) handleTask(msg *nats.Msg) {
	var task protocol.Task
	err := protocol.Decode(msg.Data, &task)
	if err == nil {
		select {
		case w.tasks <- task:
		default:
			err = fmt.Errorf("worker %s already holds a task", w.instance)
		}
	}
	if msg.Reply == "" {
		return
	}
	data, encErr := protocol.EncodeReply(struct{}{}, err)
	if encErr != nil {
		return
	}
	if pubErr := w.conn.Publish(msg.Reply, data); pubErr != nil {
		w.logger.Warn("Failed to acknowledge task", zap.Error(pubErr))
	}
}

func (w *Worker) handlePing(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := protocol.EncodeReply(struct{}{}, nil)
	if err != nil {
		return
	}
	_ = w.conn.Publish(msg.Reply, data)
}
