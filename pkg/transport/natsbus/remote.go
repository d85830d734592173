package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/protocol"
)

const (
	// DefaultAckTimeout bounds how long a worker may take to accept a task
	// or answer a ping.
	DefaultAckTimeout = 5 * time.Second
	// DefaultPingInterval is how often a worker holding a task is pinged.
	DefaultPingInterval = 5 * time.Second
)

type workerTiming struct {
	ackTimeout   time.Duration
	pingInterval time.Duration
	clock        clockz.Clock
}

// RemoteWorker is the manager's handle on a worker process. A task is
// delivered by request/reply; the worker acknowledges it at once and
// publishes the result separately. While the task is held the worker is
// pinged, and a worker that stops answering is reported lost.
type RemoteWorker struct {
	ctx         context.Context
	conn        Conn
	taskSubject string
	pingSubject string
	pipeline    Pipeline
	timing      workerTiming
	logger      *zap.Logger

	registered chan struct{}
	id         int

	mu   sync.Mutex
	held uint64
	busy bool
}

func newRemoteWorker(ctx context.Context, conn Conn, subj Subjects, instance string, p Pipeline, timing workerTiming, logger *zap.Logger) *RemoteWorker {
	return &RemoteWorker{
		ctx:         ctx,
		conn:        conn,
		taskSubject: subj.WorkerTask(instance),
		pingSubject: subj.WorkerPing(instance),
		pipeline:    p,
		timing:      timing,
		logger:      logger,
		registered:  make(chan struct{}),
	}
}

// bind records the id the manager assigned. It must be called once.
func (w *RemoteWorker) bind(id int) {
	w.id = id
	close(w.registered)
}

// SendTask encodes the task and delivers it in the background. A worker that
// does not answer is reported lost.
func (w *RemoteWorker) SendTask(task protocol.Task) error {
	data, err := protocol.Encode(task)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.held, w.busy = task.TaskID, true
	w.mu.Unlock()

	go w.deliver(task.TaskID, data)
	return nil
}

// completed ends the liveness watch of taskID.
func (w *RemoteWorker) completed(taskID uint64) {
	w.mu.Lock()
	if w.busy && w.held == taskID {
		w.busy = false
	}
	w.mu.Unlock()
}

func (w *RemoteWorker) holds(taskID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy && w.held == taskID
}

func (w *RemoteWorker) deliver(taskID uint64, data []byte) {
	if err := w.request(w.taskSubject, data); err != nil {
		w.lost(taskID, err)
		return
	}
	w.watch(taskID)
}

func (w *RemoteWorker) request(subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.timing.ackTimeout)
	defer cancel()

	msg, err := w.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}
	return protocol.DecodeReply(msg.Data, nil)
}

// watch pings the worker until its result for taskID arrives.
func (w *RemoteWorker) watch(taskID uint64) {
	ticker := w.timing.clock.NewTicker(w.timing.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C():
		}
		if !w.holds(taskID) {
			return
		}
		if err := w.request(w.pingSubject, nil); err != nil {
			if !w.holds(taskID) {
				return
			}
			w.lost(taskID, err)
			return
		}
	}
}

func (w *RemoteWorker) lost(taskID uint64, err error) {
	if w.ctx.Err() != nil {
		return
	}
	select {
	case <-w.registered:
	case <-w.ctx.Done():
		return
	}

	if errors.Is(err, nats.ErrNoResponders) {
		err = fmt.Errorf("%w: no responders for task %d on worker %d", perrors.ErrWorkerLost, taskID, w.id)
	} else {
		err = fmt.Errorf("%w: task %d: %v", perrors.ErrWorkerLost, taskID, err)
	}
	w.logger.Error("Remote worker stopped answering",
		zap.Int("workerID", w.id),
		zap.Uint64("taskID", taskID),
		zap.Error(err))
	_ = w.pipeline.WorkerLost(w.ctx, w.id, err)
}
