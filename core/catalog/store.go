package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/chunkmesh/core/model"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidFile  = errors.New("invalid file metadata")
)

const filesNamespace = "/files"

// Store keeps the metadata of every file known to the workspace.
type Store struct {
	Files ds.Datastore
}

func Open(path string) (*Store, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open file catalog %s: %w", path, err)
	}

	return &Store{
		Files: store,
	}, nil
}

func NewInMemory() *Store {
	return &Store{
		Files: dssync.MutexWrap(ds.NewMapDatastore()),
	}
}

func fileKey(id string) ds.Key {
	return ds.NewKey(filesNamespace).ChildString(id)
}

func (f *Store) Get(ctx context.Context, id string) (*model.FileMetadata, error) {
	b, err := f.Files.Get(ctx, fileKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	var file model.FileMetadata
	err = json.Unmarshal(b, &file)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

func (f *Store) Put(ctx context.Context, metadata model.FileMetadata) error {
	if metadata.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidFile)
	}

	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	return f.Files.Put(ctx, fileKey(metadata.ID), b)
}

// MarkDeleted tags the file as deleted. Its chunks stop being seeded right
// away; the DeletionMonitor removes it for good later.
func (f *Store) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	file, err := f.Get(ctx, id)
	if err != nil {
		return err
	}

	if file.Deleted {
		return nil
	}

	file.Deleted = true
	file.DeletedAt = at

	return f.Put(ctx, *file)
}

func (f *Store) Delete(ctx context.Context, id string) error {
	return f.Files.Delete(ctx, fileKey(id))
}

// All returns every file, deleted ones included, ordered by ID.
func (f *Store) All(ctx context.Context) ([]model.FileMetadata, error) {
	q := dsq.Query{Prefix: filesNamespace}
	files := make([]model.FileMetadata, 0)

	res, err := f.Files.Query(ctx, q)
	if err != nil {
		return files, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return files, r.Error
		}

		var file model.FileMetadata
		err = json.Unmarshal(r.Value, &file)
		if err != nil {
			return files, err
		}
		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// ActiveFiles returns the files that are not marked deleted.
func (f *Store) ActiveFiles(ctx context.Context) ([]model.FileMetadata, error) {
	all, err := f.All(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]model.FileMetadata, 0, len(all))
	for _, file := range all {
		if !file.Deleted {
			active = append(active, file)
		}
	}

	return active, nil
}

func (f *Store) Close() error {
	return f.Files.Close()
}
