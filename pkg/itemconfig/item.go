// Package itemconfig holds the read-mostly snapshot of item preprocessing
// configuration used by the manager.
package itemconfig

import (
	"context"

	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

// Flags are item class bits.
type Flags uint32

const (
	// FlagDiscovery marks a low level discovery rule.
	FlagDiscovery Flags = 1 << iota
	// FlagPriority marks internal items whose values are queued ahead of
	// ordinary traffic.
	FlagPriority
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Dependent names an item computed from the finished value of another.
type Dependent struct {
	ItemID uint64 `json:"itemid"`
	Flags  Flags  `json:"flags"`
}

// Item is the preprocessing configuration of one item.
type Item struct {
	ID         uint64
	HostID     uint64
	ValueType  value.Type
	Flags      Flags
	Steps      []steps.Definition
	Dependents []Dependent
	// LastModified changes whenever the preprocessing definition changes.
	// History captured under another stamp must not be reused.
	LastModified int64
}

// Source is the authoritative configuration the cache is refreshed from.
type Source interface {
	// Revision changes whenever Items would return something different.
	Revision() uint64
	Items(ctx context.Context) ([]Item, error)
}

// StaticSource serves a fixed item list. Set replaces the list and bumps the
// revision.
type StaticSource struct {
	items    []Item
	revision uint64
}

// NewStaticSource returns a source that serves items.
func NewStaticSource(items ...Item) *StaticSource {
	return &StaticSource{items: items, revision: 1}
}

func (s *StaticSource) Revision() uint64 { return s.revision }

func (s *StaticSource) Items(context.Context) ([]Item, error) {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Set replaces the served items.
func (s *StaticSource) Set(items ...Item) {
	s.items = items
	s.revision++
}
