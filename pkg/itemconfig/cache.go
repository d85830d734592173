package itemconfig

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/steps"
)

// Cache is the manager's snapshot of item configuration. It is owned by the
// manager event loop and is not safe for concurrent use.
type Cache struct {
	src    Source
	hist   *history.Store
	logger *zap.Logger

	items    map[uint64]Item
	revision uint64
	synced   bool
}

// NewCache creates a cache over src. History of changed or removed items is
// purged from hist on every sync.
func NewCache(src Source, hist *history.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		src:    src,
		hist:   hist,
		logger: logger,
		items:  make(map[uint64]Item),
	}
}

// Sync refreshes the snapshot when the source revision moved. A definition
// that cannot be parsed, or a dependent that does not exist, is reported as
// ErrConfigInconsistent and leaves the previous snapshot in place.
func (c *Cache) Sync(ctx context.Context) error {
	rev := c.src.Revision()
	if c.synced && rev == c.revision {
		return nil
	}

	items, err := c.src.Items(ctx)
	if err != nil {
		return fmt.Errorf("failed to read item configuration: %w", err)
	}

	next := make(map[uint64]Item, len(items))
	for _, item := range items {
		if _, dup := next[item.ID]; dup {
			return fmt.Errorf("%w: item %d defined twice", perrors.ErrConfigInconsistent, item.ID)
		}
		if err := steps.Validate(item.Steps); err != nil {
			return fmt.Errorf("%w: item %d: %v", perrors.ErrConfigInconsistent, item.ID, err)
		}
		next[item.ID] = item
	}
	for _, item := range next {
		for _, dep := range item.Dependents {
			if dep.ItemID == item.ID {
				return fmt.Errorf("%w: item %d depends on itself", perrors.ErrConfigInconsistent, item.ID)
			}
			if _, ok := next[dep.ItemID]; !ok {
				return fmt.Errorf("%w: item %d has unknown dependent %d", perrors.ErrConfigInconsistent, item.ID, dep.ItemID)
			}
		}
	}

	var changed, removed int
	for id, old := range c.items {
		cur, ok := next[id]
		switch {
		case !ok:
			c.hist.Purge(id)
			removed++
		case cur.LastModified != old.LastModified:
			c.hist.Purge(id)
			changed++
		}
	}

	c.items = next
	c.revision = rev
	c.synced = true

	c.logger.Debug("Item configuration synced",
		zap.Uint64("revision", rev),
		zap.Int("items", len(next)),
		zap.Int("changed", changed),
		zap.Int("removed", removed))
	return nil
}

// Lookup returns the configuration of an item.
func (c *Cache) Lookup(id uint64) (Item, bool) {
	item, ok := c.items[id]
	return item, ok
}

// Len returns the number of configured items.
func (c *Cache) Len() int { return len(c.items) }

// Revision returns the source revision of the current snapshot.
func (c *Cache) Revision() uint64 { return c.revision }
