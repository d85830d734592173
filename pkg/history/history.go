// Package history keeps the state stateful preprocessing steps leave behind
// between two executions for the same item.
package history

import (
	"time"

	"github.com/wehubfusion/preproc/pkg/value"
)

// Entry is the residual state of one step of an item's chain.
type Entry struct {
	Step      int         `json:"step"`
	Value     value.Value `json:"value"`
	Timestamp time.Time   `json:"ts"`
}

// Find returns the entry recorded for the given step index.
func Find(entries []Entry, step int) (Entry, bool) {
	for _, e := range entries {
		if e.Step == step {
			return e, true
		}
	}
	return Entry{}, false
}

// Store maps item ids to their history entries. It is owned by the manager
// event loop and is not safe for concurrent use.
type Store struct {
	items map[uint64][]Entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{items: make(map[uint64][]Entry)}
}

// Take removes and returns the entries of an item. Entries are handed to the
// worker executing the item and come back with its result.
func (s *Store) Take(itemID uint64) []Entry {
	entries, ok := s.items[itemID]
	if !ok {
		return nil
	}
	delete(s.items, itemID)
	return entries
}

// Get returns a copy of the entries of an item.
func (s *Store) Get(itemID uint64) []Entry {
	entries := s.items[itemID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Replace stores the entries produced by the latest execution. An empty list
// clears the item.
func (s *Store) Replace(itemID uint64, entries []Entry) {
	if len(entries) == 0 {
		delete(s.items, itemID)
		return
	}
	stored := make([]Entry, len(entries))
	copy(stored, entries)
	s.items[itemID] = stored
}

// Purge drops all entries of an item.
func (s *Store) Purge(itemID uint64) {
	delete(s.items, itemID)
}

// Len returns the number of items with history.
func (s *Store) Len() int {
	return len(s.items)
}
