package availability

import (
	"sort"
	"sync"

	"github.com/pyropy/chunkmesh/core/model"
)

// MemoryDirectory is a plain map with whole-entry Set semantics, the same
// contract a replicated map offers. It does not implement Merger.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]model.AvailabilityEntry
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]model.AvailabilityEntry),
	}
}

func (d *MemoryDirectory) Get(key string) (*model.AvailabilityEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.entries[key]
	if !exists {
		return nil, nil
	}

	entry.Holders = append([]string(nil), entry.Holders...)
	return &entry, nil
}

func (d *MemoryDirectory) Set(key string, entry model.AvailabilityEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry.Holders = append([]string(nil), entry.Holders...)
	d.entries[key] = entry
	return nil
}

// ForEach visits entries in key order.
func (d *MemoryDirectory) ForEach(fn func(key string, entry model.AvailabilityEntry) bool) error {
	d.mu.RLock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		entry, err := d.Get(k)
		if err != nil || entry == nil {
			continue
		}

		if !fn(k, *entry) {
			return nil
		}
	}

	return nil
}
