package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pyropy/chunkmesh/core/catalog"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/core/replication"
)

type API struct {
	node *Node
}

func NewAPI(node *Node) *API {
	return &API{node: node}
}

type StatsResponse struct {
	Workspace      string                  `json:"workspace"`
	PeerID         string                  `json:"peerId"`
	ConnectedPeers []string                `json:"connectedPeers"`
	Transfer       model.TransferStats     `json:"transfer"`
	Seeding        model.SeedingStats      `json:"seeding"`
	Bandwidth      BandwidthSummary        `json:"bandwidth"`
	History        []model.BandwidthSample `json:"history,omitempty"`
}

type BandwidthSummary struct {
	SentPerSecond     float64 `json:"sentPerSecond"`
	ReceivedPerSecond float64 `json:"receivedPerSecond"`
	Samples           int     `json:"samples"`
}

type ChunkBody struct {
	Ciphertext []byte `json:"ciphertext" binding:"required"`
	Nonce      []byte `json:"nonce" binding:"required"`
}

type FileBody struct {
	ID         string `json:"id" binding:"required"`
	Name       string `json:"name"`
	ChunkCount uint32 `json:"chunkCount"`
	Size       int64  `json:"size"`
}

type WorkspaceBody struct {
	ID string `json:"id" binding:"required"`
}

// Register mounts the control API next to the mesh endpoints.
func (a *API) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.GET("/stats", a.stats)
	v1.POST("/stats/reset", a.resetStats)
	v1.POST("/seed", a.seed)
	v1.GET("/chunks/:fileId/:index", a.getChunk)
	v1.PUT("/chunks/:fileId/:index", a.putChunk)
	v1.POST("/files", a.addFile)
	v1.DELETE("/files/:fileId", a.deleteFile)
	v1.POST("/workspace", a.switchWorkspace)
	v1.GET("/availability", a.availability)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.node.registry, promhttp.HandlerOpts{})))
}

func (a *API) stats(c *gin.Context) {
	id, _, _ := a.node.Workspace()
	sent, received := a.node.engine.BandwidthRate()
	history := a.node.engine.BandwidthHistory()

	resp := StatsResponse{
		Workspace:      id,
		PeerID:         a.node.engine.PeerID(),
		ConnectedPeers: a.node.transport.ConnectedPeers(),
		Transfer:       a.node.engine.TransferStats(),
		Seeding:        a.node.engine.SeedingStats(),
		Bandwidth: BandwidthSummary{
			SentPerSecond:     sent,
			ReceivedPerSecond: received,
			Samples:           len(history),
		},
	}

	if c.Query("history") == "true" {
		resp.History = history
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) resetStats(c *gin.Context) {
	log.Infow("api", "event", "ResetStats")
	a.node.engine.ResetStats()
	c.Status(http.StatusNoContent)
}

func (a *API) seed(c *gin.Context) {
	if c.Query("wait") != "true" {
		a.node.engine.TriggerSeedCycle()
		c.Status(http.StatusAccepted)
		return
	}

	seeded, err := a.node.engine.RunSeedCycle()
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seeded": seeded, "seeding": a.node.engine.SeedingStats()})
}

func chunkParams(c *gin.Context) (string, uint32, bool) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk index"})
		return "", 0, false
	}

	return c.Param("fileId"), uint32(index), true
}

func (a *API) getChunk(c *gin.Context) {
	fileID, index, ok := chunkParams(c)
	if !ok {
		return
	}

	var holders []string
	if h := c.Query("holders"); h != "" {
		holders = strings.Split(h, ",")
	}

	rec, err := a.node.engine.RequestChunkFromPeer(c.Request.Context(), fileID, index, holders)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, ChunkBody{Ciphertext: rec.Ciphertext, Nonce: rec.Nonce})
}

func (a *API) putChunk(c *gin.Context) {
	fileID, index, ok := chunkParams(c)
	if !ok {
		return
	}

	var body ChunkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := model.NewChunkKey(fileID, index)
	if err := a.node.engine.StoreChunk(c.Request.Context(), key, model.ChunkRecord{Ciphertext: body.Ciphertext, Nonce: body.Nonce}); err != nil {
		abort(c, err)
		return
	}

	log.Infow("api", "event", "StoreChunk", "chunk", key.String(), "size", len(body.Ciphertext))
	c.Status(http.StatusNoContent)
}

func (a *API) addFile(c *gin.Context) {
	var body FileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, files, ok := a.node.Workspace()
	if !ok {
		abort(c, replication.ErrNoWorkspace)
		return
	}

	ctx := c.Request.Context()
	f := model.NewFileMetadata(body.ID, body.Name, body.ChunkCount, body.Size)
	if err := files.Put(ctx, f); err != nil {
		abort(c, err)
		return
	}

	announced, err := a.node.engine.AnnounceAvailability(ctx, f.ID, f.ChunkCount)
	if err != nil {
		abort(c, err)
		return
	}

	log.Infow("api", "event", "AddFile", "fileID", f.ID, "chunks", f.ChunkCount, "announced", announced)
	c.JSON(http.StatusCreated, gin.H{"file": f, "announced": announced})
}

func (a *API) deleteFile(c *gin.Context) {
	_, files, ok := a.node.Workspace()
	if !ok {
		abort(c, replication.ErrNoWorkspace)
		return
	}

	fileID := c.Param("fileId")
	if err := files.MarkDeleted(c.Request.Context(), fileID, a.node.engine.Now()); err != nil {
		abort(c, err)
		return
	}

	log.Infow("api", "event", "DeleteFile", "fileID", fileID)
	c.Status(http.StatusNoContent)
}

func (a *API) switchWorkspace(c *gin.Context) {
	var body WorkspaceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.node.OpenWorkspace(body.ID); err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"workspace": body.ID})
}

// availability lists directory entries, optionally only those of one file.
func (a *API) availability(c *gin.Context) {
	dir, ok := a.node.Directory()
	if !ok {
		abort(c, replication.ErrNoWorkspace)
		return
	}

	fileID := c.Query("fileId")
	entries := make([]model.AvailabilityEntry, 0)

	err := dir.ForEach(func(_ string, entry model.AvailabilityEntry) bool {
		if fileID == "" || entry.FileID == fileID {
			entries = append(entries, entry)
		}
		return true
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, replication.ErrChunkUnavailable),
		errors.Is(err, model.ErrChunkNotFound),
		errors.Is(err, catalog.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, replication.ErrNoWorkspace),
		errors.Is(err, replication.ErrAborted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrInvalidFile),
		errors.Is(err, ErrInvalidWorkspace):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Errorw("api", "error", err)
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
