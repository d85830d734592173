package manager

import (
	"sort"

	"github.com/wehubfusion/preproc/pkg/protocol"
	"github.com/wehubfusion/preproc/pkg/queue"
)

func (m *Manager) stats() protocol.DiagStats {
	busy, tests := m.dispatch.busy()
	return protocol.DiagStats{
		Queued:      m.queue.Count(queue.StateQueued),
		Processing:  m.queue.Count(queue.StateProcessing),
		Done:        m.queue.Count(queue.StateDone),
		Pending:     m.queue.Count(queue.StatePending),
		Total:       m.queue.Len(),
		Tests:       len(m.dispatch.tests) + tests,
		History:     m.history.Len(),
		Links:       m.queue.Linker().Len(),
		Items:       m.cache.Len(),
		WorkersIdle: len(m.dispatch.idle),
		WorkersBusy: busy,
		Submitted:   m.submitted,
		Flushed:     m.flushed,
	}
}

// top aggregates unflushed requests per item. With oldest set only items with
// preprocessing steps are listed, ordered by their oldest request.
func (m *Manager) top(limit int, oldest bool) []protocol.TopItem {
	byItem := make(map[uint64]*protocol.TopItem)
	m.queue.Walk(func(r *queue.Request) {
		t, ok := byItem[r.ItemID]
		if !ok {
			t = &protocol.TopItem{ItemID: r.ItemID, Oldest: r.EnqueuedAt}
			byItem[r.ItemID] = t
		}
		t.Values++
		if r.EnqueuedAt.Before(t.Oldest) {
			t.Oldest = r.EnqueuedAt
		}
	})

	out := make([]protocol.TopItem, 0, len(byItem))
	for id, t := range byItem {
		if oldest {
			if item, ok := m.cache.Lookup(id); !ok || len(item.Steps) == 0 {
				continue
			}
		}
		out = append(out, *t)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if oldest && !a.Oldest.Equal(b.Oldest) {
			return a.Oldest.Before(b.Oldest)
		}
		if a.Values != b.Values {
			return a.Values > b.Values
		}
		return a.ItemID < b.ItemID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
