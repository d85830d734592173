// Package protocol defines the logical messages exchanged between collectors,
// the preprocessing manager and its workers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

// ItemState is the collector side state of an item.
type ItemState uint8

const (
	ItemStateNormal ItemState = iota
	ItemStateNotSupported
)

// RegisterWorker is sent by a worker to announce itself.
type RegisterWorker struct {
	ParentPID  int    `json:"ppid"`
	InstanceID string `json:"instance"`
}

// RegisterReply carries the id the manager assigned to a worker.
type RegisterReply struct {
	WorkerID int `json:"worker_id"`
}

// RawValue is one collected value.
type RawValue struct {
	ItemID    uint64           `json:"itemid"`
	HostID    uint64           `json:"hostid"`
	ValueType value.Type       `json:"value_type"`
	Flags     itemconfig.Flags `json:"flags"`
	Value     value.Value      `json:"value"`
	State     ItemState        `json:"state"`
	// Error is the reason an item is not supported.
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"ts"`
	Meta      *value.Meta `json:"meta,omitempty"`
}

// SubmitValues is a batch of collected values. It has no reply.
type SubmitValues struct {
	Values []RawValue `json:"values"`
}

// Task asks a worker to run a step chain.
type Task struct {
	TaskID    uint64             `json:"taskid"`
	ItemID    uint64             `json:"itemid"`
	ValueType value.Type         `json:"value_type"`
	Timestamp time.Time          `json:"ts"`
	Value     value.Value        `json:"value"`
	History   []history.Entry    `json:"history,omitempty"`
	Steps     []steps.Definition `json:"steps"`
	// Test tasks report per step results.
	Test bool `json:"test,omitempty"`
}

// StepResult is the outcome of one step, reported for test tasks and traces.
type StepResult struct {
	Value  value.Value `json:"value"`
	Error  string      `json:"error,omitempty"`
	Action string      `json:"action,omitempty"`
}

// Result is a worker's answer to a Task.
type Result struct {
	TaskID  uint64          `json:"taskid"`
	Value   value.Value     `json:"value"`
	History []history.Entry `json:"history,omitempty"`
	Error   string          `json:"error,omitempty"`
	Steps   []StepResult    `json:"steps,omitempty"`
	Trace   string          `json:"trace,omitempty"`
}

// WorkerResult is a Result tagged with the worker that produced it.
type WorkerResult struct {
	WorkerID int    `json:"worker_id"`
	Result   Result `json:"result"`
}

// QueueDepthReply answers a queue depth query.
type QueueDepthReply struct {
	Depth int `json:"depth"`
}

// TestRequest previews a step chain against a literal value.
type TestRequest struct {
	ValueType value.Type         `json:"value_type"`
	Value     string             `json:"value"`
	Timestamp time.Time          `json:"ts"`
	History   []history.Entry    `json:"history,omitempty"`
	Steps     []steps.Definition `json:"steps"`
}

// TestResult answers a TestRequest.
type TestResult struct {
	Steps   []StepResult    `json:"steps"`
	Value   value.Value     `json:"value"`
	History []history.Entry `json:"history,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DiagStats reports request counts by lifecycle state.
type DiagStats struct {
	Queued      int    `json:"queued"`
	Processing  int    `json:"processing"`
	Done        int    `json:"done"`
	Pending     int    `json:"pending"`
	Total       int    `json:"total"`
	Tests       int    `json:"tests"`
	History     int    `json:"history"`
	Links       int    `json:"links"`
	Items       int    `json:"items"`
	WorkersIdle int    `json:"workers_idle"`
	WorkersBusy int    `json:"workers_busy"`
	Submitted   uint64 `json:"submitted"`
	Flushed     uint64 `json:"flushed"`
}

// TopRequest asks for the items with the most queued values.
type TopRequest struct {
	Limit int `json:"limit"`
	// Oldest sorts by the age of the oldest value instead of the count.
	Oldest bool `json:"oldest,omitempty"`
}

// TopItem is one entry of a top list.
type TopItem struct {
	ItemID uint64    `json:"itemid"`
	Values int       `json:"values"`
	Oldest time.Time `json:"oldest"`
}

// TopReply answers a TopRequest.
type TopReply struct {
	Items []TopItem `json:"items"`
}

// Reply is the envelope of every answer to a bus request. Error is set when
// the request could not be served; Body holds the answer otherwise.
type Reply struct {
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// TaskSender is the manager's handle on a worker. SendTask must not block
// on the task's execution.
type TaskSender interface {
	SendTask(task Task) error
}

// Encode serializes a message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	return data, nil
}

// Decode parses a message. Any failure is reported as ErrMalformedMessage.
func Decode(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: %T: %v", perrors.ErrMalformedMessage, msg, err)
	}
	return nil
}

// EncodeReply wraps body in a Reply, or reqErr when it is not nil.
func EncodeReply(body any, reqErr error) ([]byte, error) {
	if reqErr != nil {
		return Encode(Reply{Error: reqErr.Error()})
	}
	raw, err := Encode(body)
	if err != nil {
		return nil, err
	}
	return Encode(Reply{Body: raw})
}

// DecodeReply unwraps a Reply into body. A request the remote side could not
// serve comes back as a REMOTE_ERROR.
func DecodeReply(data []byte, body any) error {
	var r Reply
	if err := Decode(data, &r); err != nil {
		return err
	}
	if r.Error != "" {
		return perrors.NewError("REMOTE_ERROR", r.Error, nil)
	}
	if body == nil || len(r.Body) == 0 {
		return nil
	}
	return Decode(r.Body, body)
}
