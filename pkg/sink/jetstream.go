package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
)

// JetStream is the slice of nats.JetStreamContext the sink needs.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

type natsJetStream struct {
	js nats.JetStreamContext
}

// WrapNATSJetStream adapts a nats.JetStreamContext to JetStream.
func WrapNATSJetStream(js nats.JetStreamContext) JetStream {
	return &natsJetStream{js: js}
}

func (n *natsJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return n.js.Publish(subj, data, opts...)
}

func (n *natsJetStream) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return n.js.StreamInfo(stream, opts...)
}

func (n *natsJetStream) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return n.js.AddStream(cfg, opts...)
}

// DefaultPublishBackoff is the delay before the first publish retry. Each
// further retry waits one more step.
const DefaultPublishBackoff = 50 * time.Millisecond

// JetStreamOption configures a JetStreamSink.
type JetStreamOption func(*JetStreamSink)

// WithPublishBackoff sets the retry backoff step.
func WithPublishBackoff(d time.Duration) JetStreamOption {
	return func(s *JetStreamSink) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// JetStreamSink publishes every flushed value to <subject>.<itemid> on a
// JetStream stream. Values stay buffered until their publish is acknowledged.
type JetStreamSink struct {
	js         JetStream
	stream     string
	subject    string
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending []Value
	ensured bool
}

// NewJetStreamSink creates a sink on stream. maxRetries defaults to 3.
func NewJetStreamSink(js JetStream, stream, subject string, maxRetries int, logger *zap.Logger, opts ...JetStreamOption) (*JetStreamSink, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context is required")
	}
	if stream == "" || subject == "" {
		return nil, fmt.Errorf("stream and subject are required")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &JetStreamSink{
		js:         js,
		stream:     stream,
		subject:    subject,
		maxRetries: maxRetries,
		backoff:    DefaultPublishBackoff,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *JetStreamSink) Add(v Value) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
}

// Flush publishes buffered values in order. On failure the unpublished tail
// is kept for the next flush.
func (s *JetStreamSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	if err := s.ensureStream(); err != nil {
		return err
	}

	sent := 0
	defer func() {
		s.pending = append(s.pending[:0], s.pending[sent:]...)
	}()

	for _, v := range s.pending {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value of item %d: %w", v.ItemID, err)
		}
		subj := s.subject + "." + strconv.FormatUint(v.ItemID, 10)
		if err := s.publishWithRetry(ctx, subj, data); err != nil {
			return err
		}
		sent++
	}

	s.logger.Debug("Published preprocessed values",
		zap.String("stream", s.stream),
		zap.Int("count", sent))
	return nil
}

func (s *JetStreamSink) publishWithRetry(ctx context.Context, subj string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		_, err := s.js.Publish(subj, data, nats.Context(ctx))
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < s.maxRetries {
			s.logger.Warn("Publish failed, retrying",
				zap.String("subject", subj),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", s.maxRetries),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", perrors.ErrPublishFailed, ctx.Err())
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}
	}
	s.logger.Error("Failed to publish preprocessed value",
		zap.String("subject", subj),
		zap.Int("attempts", s.maxRetries),
		zap.Error(lastErr))
	return fmt.Errorf("%w: %s: %v", perrors.ErrPublishFailed, subj, lastErr)
}

func (s *JetStreamSink) ensureStream() error {
	if s.ensured {
		return nil
	}
	_, err := s.js.StreamInfo(s.stream)
	if err == nil {
		s.ensured = true
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	s.logger.Info("Creating stream", zap.String("stream", s.stream), zap.String("subjects", s.subject+".*"))
	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:      s.stream,
		Subjects:  []string{s.subject + ".*"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxMsgs:   1_000_000,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", s.stream, err)
	}
	s.ensured = true
	return nil
}

// Pending returns the number of values waiting to be published.
func (s *JetStreamSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *JetStreamSink) Close() error {
	if n := s.Pending(); n > 0 {
		return fmt.Errorf("%w: %d values left unpublished", perrors.ErrPublishFailed, n)
	}
	return nil
}
