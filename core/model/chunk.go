package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pyropy/chunkmesh/lib/utils"
)

var (
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrInvalidChunkKey = errors.New("invalid chunk key")
)

// ChunkKey addresses one chunk of one file.
type ChunkKey struct {
	FileID     string
	ChunkIndex uint32
}

func NewChunkKey(fileID string, index uint32) ChunkKey {
	return ChunkKey{FileID: fileID, ChunkIndex: index}
}

// String returns the canonical "{fileId}:{chunkIndex}" form.
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d", k.FileID, k.ChunkIndex)
}

// ParseChunkKey is the inverse of ChunkKey.String. File IDs may themselves
// contain colons, the index is always after the last one.
func ParseChunkKey(s string) (ChunkKey, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return ChunkKey{}, fmt.Errorf("%w: %q", ErrInvalidChunkKey, s)
	}

	index, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return ChunkKey{}, fmt.Errorf("%w: %q", ErrInvalidChunkKey, s)
	}

	return ChunkKey{FileID: s[:i], ChunkIndex: uint32(index)}, nil
}

// FilePrefix is the key prefix shared by every chunk of fileID.
func FilePrefix(fileID string) string {
	return fileID + ":"
}

// ChunkRecord is an encrypted chunk as held in the local store.
type ChunkRecord struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

func (r ChunkRecord) Clone() *ChunkRecord {
	return &ChunkRecord{
		Ciphertext: append([]byte(nil), r.Ciphertext...),
		Nonce:      append([]byte(nil), r.Nonce...),
	}
}

// Size is the number of ciphertext bytes, the unit used by all transfer counters.
func (r ChunkRecord) Size() uint64 {
	return uint64(len(r.Ciphertext))
}

// AvailabilityEntry lists the peers known to hold a chunk.
type AvailabilityEntry struct {
	FileID      string    `json:"fileId"`
	ChunkIndex  uint32    `json:"chunkIndex"`
	Holders     []string  `json:"holders"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (e AvailabilityEntry) Key() ChunkKey {
	return NewChunkKey(e.FileID, e.ChunkIndex)
}

func (e AvailabilityEntry) HasHolder(peerID string) bool {
	return utils.Contains(e.Holders, peerID)
}

// MergeHolders returns the deduplicated, sorted union of both holder sets.
func MergeHolders(existing, incoming []string) []string {
	return utils.SortedUnion(existing, incoming)
}
