package availability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pyropy/chunkmesh/core/model"
)

var (
	BucketName = []byte("availability_v1")

	ErrBucketNotFound = errors.New("availability bucket not found")
)

// BoltDirectory keeps the availability directory in a bolt file. Merges run
// inside a single update transaction, so concurrent writers never lose holders.
type BoltDirectory struct {
	db *bolt.DB

	mu        sync.RWMutex
	nextID    int
	observers map[int]func(string, model.AvailabilityEntry)
}

var (
	_ Directory  = (*BoltDirectory)(nil)
	_ Merger     = (*BoltDirectory)(nil)
	_ Observable = (*BoltDirectory)(nil)
)

func Open(path string) (*BoltDirectory, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open availability db at '%s': %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDirectory{
		db:        db,
		observers: make(map[int]func(string, model.AvailabilityEntry)),
	}, nil
}

func (d *BoltDirectory) Get(key string) (*model.AvailabilityEntry, error) {
	var entry *model.AvailabilityEntry

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketName)
		if b == nil {
			return ErrBucketNotFound
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		entry = &model.AvailabilityEntry{}
		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (d *BoltDirectory) Set(key string, entry model.AvailabilityEntry) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return put(tx, key, entry)
	})
	if err != nil {
		return err
	}

	d.notify(key, entry)
	return nil
}

func (d *BoltDirectory) Merge(key model.ChunkKey, holders []string, now time.Time) (model.AvailabilityEntry, error) {
	entry := model.AvailabilityEntry{
		FileID:     key.FileID,
		ChunkIndex: key.ChunkIndex,
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketName)
		if b == nil {
			return ErrBucketNotFound
		}

		if v := b.Get([]byte(key.String())); v != nil {
			var existing model.AvailabilityEntry
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			entry.Holders = existing.Holders
		}

		entry.Holders = model.MergeHolders(entry.Holders, holders)
		entry.LastUpdated = now

		return put(tx, key.String(), entry)
	})
	if err != nil {
		return entry, err
	}

	d.notify(key.String(), entry)
	return entry, nil
}

func (d *BoltDirectory) ForEach(fn func(key string, entry model.AvailabilityEntry) bool) error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketName)
		if b == nil {
			return ErrBucketNotFound
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry model.AvailabilityEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			if !fn(string(k), entry) {
				return nil
			}
		}

		return nil
	})
}

// PurgeFile removes every entry of fileID. It is called by file management
// once a file is permanently removed.
func (d *BoltDirectory) PurgeFile(fileID string) (int, error) {
	prefix := []byte(model.FilePrefix(fileID))
	removed := 0

	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketName)
		if b == nil {
			return ErrBucketNotFound
		}

		keys := [][]byte{}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			// skip keys of another file that merely shares the prefix, e.g. "f1:x:3" for "f1"
			if parsed, err := model.ParseChunkKey(string(k)); err != nil || parsed.FileID != fileID {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(keys)
		return nil
	})

	return removed, err
}

func (d *BoltDirectory) Observe(fn func(key string, entry model.AvailabilityEntry)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.observers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.observers, id)
	}
}

func (d *BoltDirectory) Close() error {
	return d.db.Close()
}

func (d *BoltDirectory) notify(key string, entry model.AvailabilityEntry) {
	d.mu.RLock()
	observers := make([]func(string, model.AvailabilityEntry), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.RUnlock()

	for _, fn := range observers {
		fn(key, entry)
	}
}

func put(tx *bolt.Tx, key string, entry model.AvailabilityEntry) error {
	b := tx.Bucket(BucketName)
	if b == nil {
		return ErrBucketNotFound
	}

	v, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), v)
}
