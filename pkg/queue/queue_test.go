package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(item uint64) *Request {
	return &Request{ItemID: item}
}

func ids(q *Queue) []uint64 {
	var out []uint64
	q.Walk(func(r *Request) { out = append(out, r.ItemID) })
	return out
}

func flushIDs(q *Queue) []uint64 {
	var out []uint64
	q.FlushReady(func(r *Request) { out = append(out, r.ItemID) })
	return out
}

func TestEnqueueOrder(t *testing.T) {
	q := New()
	a, b := newReq(1), newReq(2)
	q.Enqueue(a, nil, false)
	q.Enqueue(b, nil, false)

	p1, p2 := newReq(10), newReq(11)
	q.Enqueue(p1, nil, true)
	q.Enqueue(p2, nil, true)

	dep := newReq(3)
	q.Enqueue(dep, a, false)

	assert.Equal(t, []uint64{10, 11, 1, 3, 2}, ids(q))
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5, q.Count(StateQueued))
}

func TestPriorityTailFollowsDependents(t *testing.T) {
	q := New()
	q.Enqueue(newReq(1), nil, false)
	p := newReq(10)
	q.Enqueue(p, nil, true)
	q.Enqueue(newReq(11), p, false)
	q.Enqueue(newReq(12), nil, true)

	assert.Equal(t, []uint64{10, 11, 12, 1}, ids(q))
}

func TestPriorityTailResetsAfterFlush(t *testing.T) {
	q := New()
	p := newReq(10)
	q.Enqueue(p, nil, true)
	q.Enqueue(newReq(1), nil, false)

	q.StartProcessing(p)
	q.MarkDone(p)
	assert.Equal(t, []uint64{10}, flushIDs(q))

	q.Enqueue(newReq(11), nil, true)
	assert.Equal(t, []uint64{11, 1}, ids(q))
}

func TestFlushIsPrefixOnly(t *testing.T) {
	q := New()
	reqs := []*Request{newReq(1), newReq(2), newReq(3), newReq(4)}
	for _, r := range reqs {
		q.Enqueue(r, nil, false)
		q.StartProcessing(r)
	}

	q.MarkDone(reqs[2])
	q.MarkDone(reqs[1])
	assert.Empty(t, flushIDs(q), "head is still processing")
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(q), "parked requests keep their flush position")

	q.MarkDone(reqs[0])
	assert.Equal(t, []uint64{1, 2, 3}, flushIDs(q))
	assert.Equal(t, 1, q.Len())

	q.MarkDone(reqs[3])
	assert.Equal(t, []uint64{4}, flushIDs(q))
	assert.Zero(t, q.Len())
	for _, s := range States() {
		assert.Zero(t, q.Count(s), s.String())
	}
}

func TestNestedFlushQueues(t *testing.T) {
	q := New()
	reqs := make([]*Request, 5)
	for i := range reqs {
		reqs[i] = newReq(uint64(i + 1))
		q.Enqueue(reqs[i], nil, false)
		q.StartProcessing(reqs[i])
	}

	// 5 parks under 4, 4 parks under 3 carrying 5, 2 parks under 1.
	q.MarkDone(reqs[4])
	q.MarkDone(reqs[3])
	q.MarkDone(reqs[1])
	q.MarkDone(reqs[2])
	assert.Empty(t, flushIDs(q))

	q.MarkDone(reqs[0])
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, flushIDs(q))
}

func TestParkMovesLaterRequestsBehindInsertion(t *testing.T) {
	q := New()
	master, later := newReq(1), newReq(9)
	q.Enqueue(master, nil, false)
	q.Enqueue(later, nil, false)
	q.StartProcessing(master)
	q.StartProcessing(later)
	q.MarkDone(later)

	parked := q.TakeParked(master)
	require.Len(t, parked, 1)
	dep := newReq(2)
	q.Enqueue(dep, master, false)
	q.Park(dep, parked)
	assert.Equal(t, []uint64{1, 2, 9}, ids(q))

	q.MarkDone(master)
	assert.Equal(t, []uint64{1}, flushIDs(q))
	q.StartProcessing(dep)
	q.MarkDone(dep)
	assert.Equal(t, []uint64{2, 9}, flushIDs(q))
	assert.Zero(t, q.Len())
}

func TestParkRequiresQueuedTarget(t *testing.T) {
	q := New()
	q.Park(newReq(1), nil)
	assert.Panics(t, func() { q.Park(newReq(1), []*Request{newReq(2)}) })
}

func TestNextReadyTaskResolvesUnsupported(t *testing.T) {
	q := New()
	bad := newReq(1)
	bad.Unsupported = true
	good := newReq(2)
	q.Enqueue(bad, nil, false)
	q.Enqueue(good, nil, false)

	var resolved []uint64
	next := q.NextReadyTask(func(r *Request) { resolved = append(resolved, r.ItemID) })

	require.Same(t, good, next)
	assert.Equal(t, []uint64{1}, resolved)
	assert.Equal(t, StateDone, bad.State())
	assert.Equal(t, []uint64{1}, flushIDs(q))
}

func TestNextReadyTaskSkipsBusy(t *testing.T) {
	q := New()
	a, b := newReq(1), newReq(2)
	b.state = StatePending
	c := newReq(3)
	q.Enqueue(a, nil, false)
	q.Enqueue(b, nil, false)
	q.Enqueue(c, nil, false)

	q.StartProcessing(q.NextReadyTask(nil))
	assert.Same(t, c, q.NextReadyTask(nil))
	q.StartProcessing(c)
	assert.Nil(t, q.NextReadyTask(nil))
}

func TestLinkerSerializesSameItem(t *testing.T) {
	q := New()
	first, second, third := newReq(7), newReq(7), newReq(7)

	q.Linker().Link(first)
	q.Enqueue(first, nil, false)
	q.Linker().Link(second)
	q.Enqueue(second, nil, false)
	q.Linker().Link(third)
	q.Enqueue(third, nil, false)

	assert.Equal(t, StateQueued, first.State())
	assert.Equal(t, StatePending, second.State())
	assert.Equal(t, StatePending, third.State())
	assert.Same(t, second, first.Pending())
	assert.Same(t, third, second.Pending())

	task := q.NextReadyTask(nil)
	require.Same(t, first, task)
	q.StartProcessing(task)
	assert.Nil(t, q.NextReadyTask(nil), "pending requests are not dispatched")

	q.MarkDone(first)
	assert.Equal(t, StateQueued, second.State())
	assert.Equal(t, StatePending, third.State())
	assert.Same(t, second, q.NextReadyTask(nil))

	flushIDs(q)
	assert.Equal(t, 1, q.Linker().Len(), "link points at the newest request")
}

func TestLinkerIgnoresDoneRequests(t *testing.T) {
	q := New()
	first := newReq(7)
	q.Linker().Link(first)
	q.Enqueue(first, nil, false)
	q.StartProcessing(first)
	q.MarkDone(first)

	second := newReq(7)
	q.Linker().Link(second)
	q.Enqueue(second, nil, false)
	assert.Equal(t, StateQueued, second.State())

	flushIDs(q)
	assert.Equal(t, 1, q.Linker().Len())
	q.StartProcessing(second)
	q.MarkDone(second)
	flushIDs(q)
	assert.Zero(t, q.Linker().Len())
}

func TestEnqueueDoneRequestParks(t *testing.T) {
	q := New()
	head := newReq(1)
	q.Enqueue(head, nil, false)
	q.StartProcessing(head)

	done := newReq(2)
	done.state = StateDone
	q.Enqueue(done, nil, false)
	q.MarkDone(done)

	assert.Equal(t, 1, q.Count(StateDone))
	assert.Empty(t, flushIDs(q))
	q.MarkDone(head)
	assert.Equal(t, []uint64{1, 2}, flushIDs(q))
}

func TestEnqueueAfterFlushedPanics(t *testing.T) {
	q := New()
	a := newReq(1)
	q.Enqueue(a, nil, false)
	q.StartProcessing(a)
	q.MarkDone(a)
	flushIDs(q)

	assert.Panics(t, func() { q.Enqueue(newReq(2), a, false) })
}
