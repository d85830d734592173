// Package queue keeps preprocessing requests in arrival order while they are
// in flight and releases them in that order once finished.
package queue

import (
	"time"

	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

// State is the lifecycle state of a request.
type State uint8

const (
	// StateQueued requests are ready to be dispatched.
	StateQueued State = iota
	// StateProcessing requests are held by a worker.
	StateProcessing
	// StateDone requests have a result and wait for their turn to flush.
	StateDone
	// StatePending requests wait for an earlier request of the same item.
	StatePending

	numStates
)

var stateNames = [numStates]string{
	StateQueued:     "queued",
	StateProcessing: "processing",
	StateDone:       "done",
	StatePending:    "pending",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "unknown"
}

// States lists every lifecycle state.
func States() []State {
	return []State{StateQueued, StateProcessing, StateDone, StatePending}
}

// Request is one value in flight. The queue links requests intrusively so the
// manager can hold a *Request across events without it being invalidated.
type Request struct {
	ItemID    uint64
	HostID    uint64
	ValueType value.Type
	Flags     itemconfig.Flags

	// Value is the raw value until processing finishes and the result after.
	Value *value.Shared
	// Error is the error message of the finished value, if any.
	Error string
	// Unsupported requests skip their steps and flush with history cleared.
	Unsupported bool

	Timestamp time.Time
	Meta      *value.Meta

	// Steps is copied from the item configuration at enqueue time and handed
	// over to the task on dispatch.
	Steps []steps.Definition
	// Revision is the item LastModified stamp the steps were copied under.
	Revision int64

	EnqueuedAt time.Time

	state      State
	prev, next *Request
	inList     bool
	pending    *Request
	flushQueue []*Request
}

// State returns the lifecycle state.
func (r *Request) State() State { return r.state }

// Pending returns the request this one unblocks when it is done.
func (r *Request) Pending() *Request { return r.pending }
