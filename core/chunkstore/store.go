package chunkstore

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/lib/cache"
)

var (
	ErrStoreClosed = errors.New("chunk store closed")
)

const (
	chunksNamespace = "chunks"

	// DefaultCacheSize is the number of decoded records kept in memory.
	DefaultCacheSize = 256
)

// Store is the durable per-workspace cache of encrypted chunks.
type Store struct {
	mu     sync.RWMutex
	closed bool

	Chunks ds.Datastore
	LRU    *cache.LRU[string, model.ChunkRecord]
}

// Open opens (or creates) a leveldb backed store at path.
func Open(path string) (*Store, error) {
	d, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open chunk store %s: %w", path, err)
	}

	return New(d, DefaultCacheSize), nil
}

// NewInMemory returns a store that keeps everything in a map.
func NewInMemory() *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()), DefaultCacheSize)
}

func New(d ds.Datastore, cacheSize int) *Store {
	return &Store{
		Chunks: d,
		LRU:    cache.NewLRU[string, model.ChunkRecord](cacheSize),
	}
}

// fileSegment encodes a file ID into one key segment, so IDs containing
// "/" or "." cannot nest under or escape another file's namespace.
var fileSegment = base32.HexEncoding.WithPadding(base32.NoPadding)

func fileKey(fileID string) ds.Key {
	return ds.KeyWithNamespaces([]string{chunksNamespace, fileSegment.EncodeToString([]byte(fileID))})
}

func chunkKey(k model.ChunkKey) ds.Key {
	return fileKey(k.FileID).ChildString(strconv.FormatUint(uint64(k.ChunkIndex), 10))
}

// Get returns a copy of the stored record, or model.ErrChunkNotFound.
func (s *Store) Get(ctx context.Context, k model.ChunkKey) (*model.ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if rec, hit := s.LRU.Get(k.String()); hit {
		return rec.Clone(), nil
	}

	b, err := s.Chunks.Get(ctx, chunkKey(k))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, model.ErrChunkNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec model.ChunkRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", k, err)
	}

	s.LRU.Put(k.String(), rec)
	return rec.Clone(), nil
}

// Put stores a copy of rec under k, overwriting any previous record.
func (s *Store) Put(ctx context.Context, k model.ChunkKey, rec model.ChunkRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := s.Chunks.Put(ctx, chunkKey(k), b); err != nil {
		return err
	}

	s.LRU.Put(k.String(), *rec.Clone())
	return nil
}

func (s *Store) Has(ctx context.Context, k model.ChunkKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	if _, hit := s.LRU.Get(k.String()); hit {
		return true, nil
	}

	return s.Chunks.Has(ctx, chunkKey(k))
}

// Indexes lists the chunk indexes stored for fileID.
func (s *Store) Indexes(ctx context.Context, fileID string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.indexes(ctx, fileID)
}

func (s *Store) indexes(ctx context.Context, fileID string) ([]uint32, error) {
	parent := fileKey(fileID)

	res, err := s.Chunks.Query(ctx, dsq.Query{Prefix: parent.String(), KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	indexes := make([]uint32, 0)
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return indexes, r.Error
		}

		key := ds.RawKey(r.Key)
		if !key.Parent().Equal(parent) {
			continue
		}

		index, err := strconv.ParseUint(key.BaseNamespace(), 10, 32)
		if err != nil {
			continue
		}
		indexes = append(indexes, uint32(index))
	}

	return indexes, nil
}

// DeleteFile removes every chunk of fileID and returns how many were removed.
func (s *Store) DeleteFile(ctx context.Context, fileID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	indexes, err := s.indexes(ctx, fileID)
	if err != nil {
		return 0, err
	}

	for _, index := range indexes {
		if err := s.Chunks.Delete(ctx, chunkKey(model.NewChunkKey(fileID, index))); err != nil {
			return 0, err
		}
	}

	prefix := model.FilePrefix(fileID)
	s.LRU.RemoveFunc(func(k string) bool {
		return strings.HasPrefix(k, prefix)
	})

	return len(indexes), nil
}

// Close releases the underlying datastore. Subsequent calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.Chunks.Close()
}
