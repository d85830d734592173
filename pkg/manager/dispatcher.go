package manager

import (
	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/queue"
)

type testJob struct {
	req   protocol.TestRequest
	reply chan protocol.TestResult
}

// job is the task a worker currently holds.
type job struct {
	taskID uint64
	req    *queue.Request
	test   *testJob
}

type workerSlot struct {
	id     int
	sender protocol.TaskSender
	job    *job
}

// dispatcher is the worker table. Test requests wait in their own queue,
// which is served before the main queue.
type dispatcher struct {
	workers map[int]*workerSlot
	idle    []*workerSlot
	tests   []*testJob
	nextID  int
}

func newDispatcher() *dispatcher {
	return &dispatcher{workers: make(map[int]*workerSlot)}
}

func (d *dispatcher) register(sender protocol.TaskSender) int {
	d.nextID++
	w := &workerSlot{id: d.nextID, sender: sender}
	d.workers[w.id] = w
	d.idle = append(d.idle, w)
	return w.id
}

func (d *dispatcher) hasIdle() bool { return len(d.idle) > 0 }

func (d *dispatcher) takeIdle() *workerSlot {
	w := d.idle[0]
	d.idle = d.idle[1:]
	return w
}

func (d *dispatcher) release(w *workerSlot) {
	w.job = nil
	d.idle = append(d.idle, w)
}

func (d *dispatcher) nextTest() *testJob {
	if len(d.tests) == 0 {
		return nil
	}
	t := d.tests[0]
	d.tests[0] = nil
	d.tests = d.tests[1:]
	return t
}

func (d *dispatcher) busy() (workers, tests int) {
	for _, w := range d.workers {
		if w.job != nil {
			workers++
			if w.job.test != nil {
				tests++
			}
		}
	}
	return workers, tests
}
