// Package sink holds the storage collaborators preprocessed values are
// flushed to.
package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/value"
)

// Value is a finished item value in flush order.
type Value struct {
	ItemID       uint64           `json:"itemid"`
	HostID       uint64           `json:"hostid"`
	ValueType    value.Type       `json:"value_type"`
	Flags        itemconfig.Flags `json:"flags,omitempty"`
	Value        value.Value      `json:"value"`
	NotSupported bool             `json:"not_supported,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"ts"`
	Meta         *value.Meta      `json:"meta,omitempty"`
}

// Sink receives flushed values. Add is called from the manager event loop
// in flush order and must not block; Flush pushes what was added so far.
type Sink interface {
	Add(v Value)
	Flush(ctx context.Context) error
	Close() error
}

// Memory keeps every value it is given. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	values  []Value
	flushes int
}

// NewMemory returns an empty memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Add(v Value) {
	m.mu.Lock()
	m.values = append(m.values, v)
	m.mu.Unlock()
}

func (m *Memory) Flush(context.Context) error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Values returns a copy of everything added.
func (m *Memory) Values() []Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Value, len(m.values))
	copy(out, m.values)
	return out
}

// Flushes returns how many times Flush was called.
func (m *Memory) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Log writes every value to a logger at debug level and keeps nothing.
type Log struct {
	logger *zap.Logger
	added  int
}

// NewLog returns a sink that logs to logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Add is only called from the manager event loop.
func (l *Log) Add(v Value) {
	l.added++
	l.logger.Debug("Preprocessed value",
		zap.Uint64("itemid", v.ItemID),
		zap.Stringer("value", v.Value),
		zap.Bool("not_supported", v.NotSupported),
		zap.String("error", v.Error))
}

func (l *Log) Flush(context.Context) error {
	if l.added > 0 {
		l.logger.Debug("Flushed preprocessed values", zap.Int("count", l.added))
		l.added = 0
	}
	return nil
}

func (l *Log) Close() error { return nil }
