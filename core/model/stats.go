package model

import "time"

type TransferStats struct {
	ChunksServed  uint64 `json:"chunksServed"`
	ChunksFetched uint64 `json:"chunksFetched"`
	BytesServed   uint64 `json:"bytesServed"`
	BytesFetched  uint64 `json:"bytesFetched"`
}

type SeedingStats struct {
	ChunksSeeded         uint64     `json:"chunksSeeded"`
	BytesSeeded          uint64     `json:"bytesSeeded"`
	SeedingActive        bool       `json:"seedingActive"`
	LastSeedRun          *time.Time `json:"lastSeedRun"`
	UnderReplicatedCount int        `json:"underReplicatedCount"`
}

type BandwidthSample struct {
	Timestamp     time.Time `json:"timestamp"`
	BytesSent     uint64    `json:"bytesSent"`
	BytesReceived uint64    `json:"bytesReceived"`
}
