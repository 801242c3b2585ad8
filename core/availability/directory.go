package availability

import (
	"time"

	"github.com/pyropy/chunkmesh/core/model"
)

// Directory is the replicated chunk -> holders map. Set replaces the whole
// entry, so writers that care about existing holders must go through Merge.
// Get returns a nil entry and no error when the key is unknown.
type Directory interface {
	Get(key string) (*model.AvailabilityEntry, error)
	Set(key string, entry model.AvailabilityEntry) error
	ForEach(fn func(key string, entry model.AvailabilityEntry) bool) error
}

// Observable directories notify subscribers after an entry changed.
type Observable interface {
	Observe(fn func(key string, entry model.AvailabilityEntry)) (unobserve func())
}

// Merger is implemented by directories able to apply a holder union
// atomically, without the read-merge-write window.
type Merger interface {
	Merge(key model.ChunkKey, holders []string, now time.Time) (model.AvailabilityEntry, error)
}

// Merge adds holders to the entry for key. The stored holder set is always
// the union of what was there and what is added; lastUpdated is set to now.
func Merge(dir Directory, key model.ChunkKey, holders []string, now time.Time) (model.AvailabilityEntry, error) {
	if m, ok := dir.(Merger); ok {
		return m.Merge(key, holders, now)
	}

	entry := model.AvailabilityEntry{
		FileID:     key.FileID,
		ChunkIndex: key.ChunkIndex,
	}

	existing, err := dir.Get(key.String())
	if err != nil {
		return entry, err
	}

	if existing != nil {
		entry.Holders = existing.Holders
	}

	entry.Holders = model.MergeHolders(entry.Holders, holders)
	entry.LastUpdated = now

	return entry, dir.Set(key.String(), entry)
}
