package itemconfig

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

type fileItem struct {
	ID           uint64             `yaml:"id"`
	HostID       uint64             `yaml:"hostid"`
	ValueType    value.Type         `yaml:"value_type"`
	Discovery    bool               `yaml:"discovery,omitempty"`
	Priority     bool               `yaml:"priority,omitempty"`
	Steps        []steps.Definition `yaml:"steps,omitempty"`
	Dependents   []uint64           `yaml:"dependents,omitempty"`
	LastModified int64              `yaml:"last_modified,omitempty"`
}

type fileDoc struct {
	Items []fileItem `yaml:"items"`
}

// FileSource reads items from a YAML document:
//
//	items:
//	  - id: 1
//	    value_type: uint64
//	    steps:
//	      - type: delta_speed
//	    dependents: [2]
//
// An item without last_modified is stamped with a hash of its definition, so
// an unchanged item keeps its history across reloads.
type FileSource struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	items    []Item
	revision uint64
}

// NewFileSource loads path once and returns the source.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSource{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadItems parses an item document.
func LoadItems(data []byte) ([]Item, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("itemconfig: parse: %w", err)
	}

	flags := make(map[uint64]Flags, len(doc.Items))
	for _, fi := range doc.Items {
		var f Flags
		if fi.Discovery {
			f |= FlagDiscovery
		}
		if fi.Priority {
			f |= FlagPriority
		}
		flags[fi.ID] = f
	}

	items := make([]Item, 0, len(doc.Items))
	for _, fi := range doc.Items {
		item := Item{
			ID:           fi.ID,
			HostID:       fi.HostID,
			ValueType:    fi.ValueType,
			Flags:        flags[fi.ID],
			Steps:        fi.Steps,
			LastModified: fi.LastModified,
		}
		for _, dep := range fi.Dependents {
			item.Dependents = append(item.Dependents, Dependent{ItemID: dep, Flags: flags[dep]})
		}
		if item.LastModified == 0 {
			stamp, err := definitionHash(fi)
			if err != nil {
				return nil, fmt.Errorf("itemconfig: item %d: %w", fi.ID, err)
			}
			item.LastModified = stamp
		}
		items = append(items, item)
	}
	return items, nil
}

func definitionHash(fi fileItem) (int64, error) {
	fi.Dependents = nil
	data, err := yaml.Marshal(fi)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return int64(h.Sum64() >> 1), nil
}

// Reload reads the file again. The previous items stay in place on error.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("itemconfig: read %s: %w", s.path, err)
	}
	items, err := LoadItems(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items = items
	s.revision++
	s.mu.Unlock()
	return nil
}

func (s *FileSource) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *FileSource) Items(context.Context) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Watch reloads the file on every write until ctx is cancelled. A reload
// that fails is logged and the previous items remain active.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}

	s.logger.Info("Watching item configuration", zap.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save by rename, so create counts as well.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := s.Reload(); err != nil {
				s.logger.Error("Item configuration reload failed, keeping previous items",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("Item configuration reloaded",
				zap.String("path", s.path), zap.Uint64("revision", s.Revision()))

			// Re-add in case an atomic save replaced the inode.
			_ = watcher.Add(s.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Item configuration watcher error", zap.Error(err))
		}
	}
}
