package queue

import "fmt"

// Queue is an intrusive doubly linked list of requests in arrival order.
// Finished requests that are not at the head are parked in the flush queue of
// their predecessor, so that FlushReady only ever looks at the head.
//
// The queue is owned by the manager event loop and is not safe for concurrent
// use.
type Queue struct {
	head, tail   *Request
	priorityTail *Request
	linker       *Linker

	counts [numStates]int
	total  int
}

// New returns an empty queue with its own linker.
func New() *Queue {
	return &Queue{linker: NewLinker()}
}

// Linker returns the dependency linker of the queue.
func (q *Queue) Linker() *Linker { return q.linker }

// Enqueue inserts req in its current state. With after set, req goes
// immediately behind it; after must still be in the list. Priority requests
// go behind the last priority request. Everything else is appended.
func (q *Queue) Enqueue(req *Request, after *Request, priority bool) {
	if req.inList {
		panic("queue: request enqueued twice")
	}

	switch {
	case after != nil:
		if !after.inList {
			panic(fmt.Sprintf("queue: insertion point for item %d is not queued", req.ItemID))
		}
		q.insertAfter(req, after)
		if q.priorityTail == after {
			q.priorityTail = req
		}
	case priority:
		q.insertAfter(req, q.priorityTail)
		q.priorityTail = req
	default:
		q.insertAfter(req, q.tail)
	}

	q.counts[req.state]++
	q.total++
}

// insertAfter links req behind at, or at the head when at is nil.
func (q *Queue) insertAfter(req, at *Request) {
	req.inList = true
	req.prev = at
	if at == nil {
		req.next = q.head
		q.head = req
	} else {
		req.next = at.next
		at.next = req
	}
	if req.next != nil {
		req.next.prev = req
	} else {
		q.tail = req
	}
}

func (q *Queue) unlink(req *Request) {
	if req.prev != nil {
		req.prev.next = req.next
	} else {
		q.head = req.next
	}
	if req.next != nil {
		req.next.prev = req.prev
	} else {
		q.tail = req.prev
	}
	if q.priorityTail == req {
		q.priorityTail = req.prev
	}
	req.prev, req.next = nil, nil
	req.inList = false
}

func (q *Queue) setState(req *Request, s State) {
	q.counts[req.state]--
	req.state = s
	q.counts[s]++
}

// NextReadyTask returns the first queued request that needs a worker.
// Unsupported requests met on the way are passed to resolve and marked done
// without consuming a worker.
func (q *Queue) NextReadyTask(resolve func(*Request)) *Request {
	for r := q.head; r != nil; {
		next := r.next
		if r.state == StateQueued {
			if !r.Unsupported {
				return r
			}
			if resolve != nil {
				resolve(r)
			}
			q.MarkDone(r)
		}
		r = next
	}
	return nil
}

// StartProcessing marks a queued request as held by a worker.
func (q *Queue) StartProcessing(req *Request) {
	if req.state != StateQueued {
		panic(fmt.Sprintf("queue: dispatch of %s request for item %d", req.state, req.ItemID))
	}
	q.setState(req, StateProcessing)
}

// MarkDone finishes a request. A pending successor becomes queued. A request
// that is not at the head moves into its predecessor's flush queue and is
// released together with it. Requests enqueued as done are only moved.
func (q *Queue) MarkDone(req *Request) {
	if req.state != StateDone {
		q.setState(req, StateDone)
	}

	if p := req.pending; p != nil {
		req.pending = nil
		if p.state == StatePending {
			q.setState(p, StateQueued)
		}
	}

	if req.inList && req.prev != nil {
		prev := req.prev
		q.unlink(req)
		prev.flushQueue = append(prev.flushQueue, req)
	}
}

// TakeParked detaches and returns the requests parked behind req.
func (q *Queue) TakeParked(req *Request) []*Request {
	parked := req.flushQueue
	req.flushQueue = nil
	return parked
}

// Park appends requests to the flush queue of at, which must still be in the
// list. They are released right after at and whatever is already parked on it.
func (q *Queue) Park(at *Request, parked []*Request) {
	if len(parked) == 0 {
		return
	}
	if !at.inList {
		panic(fmt.Sprintf("queue: park behind unqueued request for item %d", at.ItemID))
	}
	at.flushQueue = append(at.flushQueue, parked...)
}

// FlushReady releases finished requests from the head in arrival order and
// returns how many were released.
func (q *Queue) FlushReady(release func(*Request)) int {
	var n int
	for q.head != nil && q.head.state == StateDone {
		req := q.head
		q.unlink(req)
		n += q.releaseTree(req, release)
	}
	return n
}

func (q *Queue) releaseTree(req *Request, release func(*Request)) int {
	q.counts[req.state]--
	q.total--
	q.linker.Unlink(req)
	if release != nil {
		release(req)
	}
	n := 1
	parked := req.flushQueue
	req.flushQueue = nil
	for _, r := range parked {
		n += q.releaseTree(r, release)
	}
	return n
}

// Len returns the number of unflushed requests, parked ones included.
func (q *Queue) Len() int { return q.total }

// Count returns the number of unflushed requests in state s.
func (q *Queue) Count(s State) int {
	if s >= numStates {
		return 0
	}
	return q.counts[s]
}

// Counts returns the number of unflushed requests per state.
func (q *Queue) Counts() map[State]int {
	out := make(map[State]int, numStates)
	for _, s := range States() {
		out[s] = q.counts[s]
	}
	return out
}

// Walk visits every unflushed request in flush order.
func (q *Queue) Walk(fn func(*Request)) {
	var visit func(*Request)
	visit = func(r *Request) {
		fn(r)
		for _, p := range r.flushQueue {
			visit(p)
		}
	}
	for r := q.head; r != nil; r = r.next {
		visit(r)
	}
}
