package model

import "time"

// FileMetadata describes a file whose chunks are replicated across the mesh.
type FileMetadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ChunkCount uint32    `json:"chunkCount"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	Deleted    bool      `json:"deleted"`
	DeletedAt  time.Time `json:"deletedAt"`
}

func NewFileMetadata(id, name string, chunkCount uint32, size int64) FileMetadata {
	return FileMetadata{
		ID:         id,
		Name:       name,
		ChunkCount: chunkCount,
		Size:       size,
		CreatedAt:  time.Now(),
	}
}

// ChunkKeys enumerates the keys of every chunk of the file.
func (f FileMetadata) ChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, f.ChunkCount)
	for i := uint32(0); i < f.ChunkCount; i++ {
		keys = append(keys, NewChunkKey(f.ID, i))
	}

	return keys
}
