package manager

import (
	"fmt"

	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/itemconfig"
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/queue"
	"github.com/wehubfusion/preproc/pkg/sink"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

func (m *Manager) enqueueRaw(v protocol.RawValue) {
	m.submitted++

	req := &queue.Request{
		ItemID:     v.ItemID,
		HostID:     v.HostID,
		ValueType:  v.ValueType,
		Flags:      v.Flags,
		Timestamp:  v.Timestamp,
		Meta:       v.Meta,
		EnqueuedAt: m.clock.Now(),
	}
	if v.State == protocol.ItemStateNotSupported {
		req.Unsupported = true
		req.Error = v.Error
		req.Value = value.NewShared(value.None())
	} else {
		req.Value = value.NewShared(v.Value)
	}
	m.enqueue(req, nil)
}

// enqueue places req in the queue, behind after when set. Requests with
// nothing to run are finished on the spot. The returned request is still in
// the list and is where the next sibling of a fan-out goes.
func (m *Manager) enqueue(req, after *queue.Request) *queue.Request {
	item, known := m.cache.Lookup(req.ItemID)
	if known {
		req.ValueType = item.ValueType
		req.Flags |= item.Flags
		req.Steps = item.Steps
		req.Revision = item.LastModified
		if steps.OrderSensitive(item.Steps) {
			m.queue.Linker().Link(req)
		}
	}

	m.queue.Enqueue(req, after, after == nil && req.Flags.Has(itemconfig.FlagPriority))

	if len(req.Steps) > 0 || req.Unsupported {
		return req
	}

	last := m.fanOut(req)
	m.queue.MarkDone(req)
	if last == req {
		return after
	}
	return last
}

// fanOut enqueues the dependents of req right behind it, in configured order,
// sharing req's finished value. Requests already parked behind req were
// submitted later and move behind the last dependent.
func (m *Manager) fanOut(req *queue.Request) *queue.Request {
	item, ok := m.cache.Lookup(req.ItemID)
	if !ok || len(item.Dependents) == 0 {
		return req
	}

	parked := m.queue.TakeParked(req)
	after := req
	for _, dep := range item.Dependents {
		if _, ok := m.cache.Lookup(dep.ItemID); !ok {
			continue
		}
		d := &queue.Request{
			ItemID:     dep.ItemID,
			HostID:     req.HostID,
			ValueType:  req.ValueType,
			Flags:      dep.Flags,
			Value:      req.Value.Retain(),
			Timestamp:  req.Timestamp,
			EnqueuedAt: m.clock.Now(),
		}
		after = m.enqueue(d, after)
	}
	m.queue.Park(after, parked)
	return after
}

// finish ends a request that went through a worker and fans out its value.
func (m *Manager) finish(req *queue.Request) {
	if req.Error == "" && !req.Unsupported && !req.Value.Value().IsNone() {
		m.fanOut(req)
	}
	m.queue.MarkDone(req)
}

func (m *Manager) resolveUnsupported(req *queue.Request) {
	m.history.Purge(req.ItemID)
	req.Steps = nil
}

func (m *Manager) assignTasks() {
	for m.dispatch.hasIdle() {
		if t := m.dispatch.nextTest(); t != nil {
			m.sendTest(t)
			if m.fatal != nil {
				return
			}
			continue
		}

		req := m.queue.NextReadyTask(m.resolveUnsupported)
		if req == nil {
			return
		}
		m.queue.StartProcessing(req)

		m.nextTaskID++
		task := protocol.Task{
			TaskID:    m.nextTaskID,
			ItemID:    req.ItemID,
			ValueType: req.ValueType,
			Timestamp: req.Timestamp,
			Value:     req.Value.Value(),
			History:   m.history.Take(req.ItemID),
			Steps:     req.Steps,
		}
		req.Steps = nil

		w := m.dispatch.takeIdle()
		w.job = &job{taskID: task.TaskID, req: req}
		if err := w.sender.SendTask(task); err != nil {
			m.fatal = fmt.Errorf("%w: worker %d: %v", perrors.ErrWorkerLost, w.id, err)
			return
		}
	}
}

func (m *Manager) sendTest(t *testJob) {
	m.nextTaskID++
	task := protocol.Task{
		TaskID:    m.nextTaskID,
		ValueType: t.req.ValueType,
		Timestamp: t.req.Timestamp,
		Value:     value.String(t.req.Value),
		History:   t.req.History,
		Steps:     t.req.Steps,
		Test:      true,
	}
	if task.Timestamp.IsZero() {
		task.Timestamp = m.clock.Now()
	}

	w := m.dispatch.takeIdle()
	w.job = &job{taskID: task.TaskID, test: t}
	if err := w.sender.SendTask(task); err != nil {
		m.fatal = fmt.Errorf("%w: worker %d: %v", perrors.ErrWorkerLost, w.id, err)
	}
}

func (m *Manager) onResult(workerID int, res protocol.Result) {
	w, ok := m.dispatch.workers[workerID]
	if !ok {
		m.fatal = fmt.Errorf("%w: result from worker %d", perrors.ErrUnknownWorker, workerID)
		return
	}
	j := w.job
	if j == nil || j.taskID != res.TaskID {
		m.fatal = fmt.Errorf("%w: worker %d returned task %d it does not hold", perrors.ErrMalformedMessage, workerID, res.TaskID)
		return
	}
	m.dispatch.release(w)

	if j.test != nil {
		j.test.reply <- protocol.TestResult{
			Steps:   res.Steps,
			Value:   res.Value,
			History: res.History,
			Error:   res.Error,
		}
		return
	}

	req := j.req
	if item, ok := m.cache.Lookup(req.ItemID); ok && item.LastModified == req.Revision {
		m.history.Replace(req.ItemID, res.History)
	}

	req.Value.Release()
	req.Value = value.NewShared(res.Value)
	if res.Error != "" {
		req.Error = res.Error
		req.Unsupported = true
		m.logger.Debug("Item became not supported",
			zap.Uint64("itemid", req.ItemID),
			zap.String("error", res.Error))
	}
	m.finish(req)
}

func (m *Manager) flushReady() {
	m.queue.FlushReady(m.release)
}

func (m *Manager) release(req *queue.Request) {
	m.flushed++
	v := req.Value.Value()
	req.Value.Release()
	req.Value = nil

	// A discarded value only matters downstream when it carries log meta or
	// a state change.
	if v.IsNone() && !req.Unsupported && req.Meta == nil {
		return
	}
	m.sink.Add(sink.Value{
		ItemID:       req.ItemID,
		HostID:       req.HostID,
		ValueType:    req.ValueType,
		Flags:        req.Flags,
		Value:        v,
		NotSupported: req.Unsupported,
		Error:        req.Error,
		Timestamp:    req.Timestamp,
		Meta:         req.Meta,
	})
	m.dirty = true
}
