package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/protocol"
)

// Pipeline is the manager API served on the bus.
type Pipeline interface {
	Submit(ctx context.Context, values []protocol.RawValue) error
	RegisterWorker(ctx context.Context, reg protocol.RegisterWorker, sender protocol.TaskSender) (int, error)
	DeliverResult(ctx context.Context, workerID int, res protocol.Result) error
	WorkerLost(ctx context.Context, workerID int, cause error) error
	QueueDepth(ctx context.Context) (int, error)
	Test(ctx context.Context, req protocol.TestRequest) (protocol.TestResult, error)
	DiagnosticStats(ctx context.Context) (protocol.DiagStats, error)
	TopItems(ctx context.Context, limit int) ([]protocol.TopItem, error)
	TopOldest(ctx context.Context, limit int) ([]protocol.TopItem, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPingInterval sets how often workers holding a task are pinged.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timing.pingInterval = d
		}
	}
}

// WithServerClock replaces the clock driving worker pings.
func WithServerClock(clock clockz.Clock) ServerOption {
	return func(s *Server) { s.timing.clock = clock }
}

// Server bridges bus subjects to a Pipeline.
type Server struct {
	conn     Conn
	subj     Subjects
	pipeline Pipeline
	timing   workerTiming
	logger   *zap.Logger

	ctx     context.Context
	mu      sync.Mutex
	subs    []*nats.Subscription
	workers map[int]*RemoteWorker
}

// NewServer creates a server for subjects below prefix.
func NewServer(conn Conn, prefix string, p Pipeline, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		conn:     conn,
		subj:     NewSubjects(prefix),
		pipeline: p,
		timing: workerTiming{
			ackTimeout:   DefaultAckTimeout,
			pingInterval: DefaultPingInterval,
			clock:        clockz.RealClock,
		},
		logger:  logger,
		workers: make(map[int]*RemoteWorker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to every manager subject. Requests are served with ctx
// until Close.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	handlers := map[string]nats.MsgHandler{
		s.subj.Register(): s.handleRegister,
		s.subj.Values():   s.handleValues,
		s.subj.Result():   s.handleResult,
		s.subj.Queue():    s.handleQueue,
		s.subj.Test():     s.handleTest,
		s.subj.Diag():     s.handleDiag,
		s.subj.Top():      s.handleTop,
	}
	for subject, h := range handlers {
		sub, err := s.conn.Subscribe(subject, h)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("Bus server started", zap.String("register", s.subj.Register()))
	return nil
}

// Close drops every subscription.
func (s *Server) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	return err
}

func (s *Server) reply(msg *nats.Msg, body any, reqErr error) {
	if msg.Reply == "" {
		return
	}
	data, err := protocol.EncodeReply(body, reqErr)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := s.conn.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("Failed to publish reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *Server) handleRegister(msg *nats.Msg) {
	var reg protocol.RegisterWorker
	if err := protocol.Decode(msg.Data, &reg); err != nil {
		s.reply(msg, nil, err)
		return
	}
	if reg.InstanceID == "" {
		s.reply(msg, nil, fmt.Errorf("instance id is required"))
		return
	}

	w := newRemoteWorker(s.ctx, s.conn, s.subj, reg.InstanceID, s.pipeline, s.timing, s.logger)
	id, err := s.pipeline.RegisterWorker(s.ctx, reg, w)
	if err != nil {
		s.reply(msg, nil, err)
		return
	}
	w.bind(id)
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	s.reply(msg, protocol.RegisterReply{WorkerID: id}, nil)
}

// handleValues accepts batches from collectors. A batch that does not decode
// is dropped; it does not come from a worker.
func (s *Server) handleValues(msg *nats.Msg) {
	var batch protocol.SubmitValues
	if err := protocol.Decode(msg.Data, &batch); err != nil {
		s.logger.Warn("Dropping malformed value batch", zap.Error(err))
		return
	}
	if err := s.pipeline.Submit(s.ctx, batch.Values); err != nil {
		s.logger.Warn("Failed to submit values", zap.Int("count", len(batch.Values)), zap.Error(err))
	}
}

// handleResult forwards a worker result. An undecodable result means the
// worker protocol is broken, which stops the manager.
func (s *Server) handleResult(msg *nats.Msg) {
	var wr protocol.WorkerResult
	if err := protocol.Decode(msg.Data, &wr); err != nil {
		s.logger.Error("Malformed worker result", zap.Error(err))
		_ = s.pipeline.WorkerLost(s.ctx, 0, err)
		return
	}
	s.mu.Lock()
	w := s.workers[wr.WorkerID]
	s.mu.Unlock()
	if w != nil {
		w.completed(wr.Result.TaskID)
	}
	if err := s.pipeline.DeliverResult(s.ctx, wr.WorkerID, wr.Result); err != nil {
		s.logger.Warn("Failed to deliver result", zap.Int("workerID", wr.WorkerID), zap.Error(err))
	}
}

func (s *Server) handleQueue(msg *nats.Msg) {
	depth, err := s.pipeline.QueueDepth(s.ctx)
	s.reply(msg, protocol.QueueDepthReply{Depth: depth}, err)
}

// handleTest waits for a worker, so it runs off the subscription goroutine.
func (s *Server) handleTest(msg *nats.Msg) {
	var req protocol.TestRequest
	if err := protocol.Decode(msg.Data, &req); err != nil {
		s.reply(msg, nil, err)
		return
	}
	go func() {
		res, err := s.pipeline.Test(s.ctx, req)
		s.reply(msg, res, err)
	}()
}

func (s *Server) handleDiag(msg *nats.Msg) {
	stats, err := s.pipeline.DiagnosticStats(s.ctx)
	s.reply(msg, stats, err)
}

func (s *Server) handleTop(msg *nats.Msg) {
	var req protocol.TopRequest
	if len(msg.Data) > 0 {
		if err := protocol.Decode(msg.Data, &req); err != nil {
			s.reply(msg, nil, err)
			return
		}
	}

	var (
		items []protocol.TopItem
		err   error
	)
	if req.Oldest {
		items, err = s.pipeline.TopOldest(s.ctx, req.Limit)
	} else {
		items, err = s.pipeline.TopItems(s.ctx, req.Limit)
	}
	s.reply(msg, protocol.TopReply{Items: items}, err)
}
