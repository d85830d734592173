package value

import "sync/atomic"

// Shared is a reference counted handle to a finished value. A master item's
// result is handed to every dependent request through the same handle.
type Shared struct {
	v    Value
	refs atomic.Int32
}

// NewShared wraps v with a reference count of one.
func NewShared(v Value) *Shared {
	s := &Shared{v: v}
	s.refs.Store(1)
	return s
}

// Retain adds a reference and returns the same handle.
func (s *Shared) Retain() *Shared {
	if s == nil {
		return nil
	}
	s.refs.Add(1)
	return s
}

// Release drops a reference. It reports true when the last reference went
// away and the payload was dropped.
func (s *Shared) Release() bool {
	if s == nil {
		return false
	}
	n := s.refs.Add(-1)
	if n < 0 {
		panic("value: release of a freed shared value")
	}
	if n == 0 {
		s.v = Value{}
		return true
	}
	return false
}

// Value returns the payload; a nil handle yields None.
func (s *Shared) Value() Value {
	if s == nil {
		return None()
	}
	return s.v
}

// Refs returns the current reference count.
func (s *Shared) Refs() int32 {
	if s == nil {
		return 0
	}
	return s.refs.Load()
}
