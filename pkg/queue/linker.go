package queue

// Linker tracks the newest unflushed request of every item whose chain is
// order sensitive, so a second value waits for the first one.
type Linker struct {
	links map[uint64]*Request
}

// NewLinker returns an empty linker.
func NewLinker() *Linker {
	return &Linker{links: make(map[uint64]*Request)}
}

// Link records req as the newest request of its item. When the previous one
// is not done yet, req becomes pending behind it. Call before Enqueue.
func (l *Linker) Link(req *Request) {
	if prior, ok := l.links[req.ItemID]; ok && prior != req && prior.state != StateDone {
		req.state = StatePending
		prior.pending = req
	}
	l.links[req.ItemID] = req
}

// Unlink drops the link of req's item if it still points at req.
func (l *Linker) Unlink(req *Request) {
	if cur, ok := l.links[req.ItemID]; ok && cur == req {
		delete(l.links, req.ItemID)
	}
}

// Len returns the number of linked items.
func (l *Linker) Len() int { return len(l.links) }
