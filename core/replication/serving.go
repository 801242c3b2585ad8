package replication

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/rpc/mesh"
)

// HandleChunkRequest answers a peer's chunk request from the local store.
// A chunk that is not held locally gets no answer at all; the requester's
// timeout covers that case. Requests beyond the serve rate are dropped the
// same way.
func (e *Engine) HandleChunkRequest(ctx context.Context, from string, req mesh.ChunkRequest) (*model.ChunkRecord, error) {
	s, err := e.active()
	if err != nil {
		return nil, err
	}

	return e.serve(ctx, s, from, req)
}

func (e *Engine) serve(ctx context.Context, s *session, from string, req mesh.ChunkRequest) (*model.ChunkRecord, error) {
	key := model.NewChunkKey(req.FileID, req.ChunkIndex)

	rec, err := s.ws.Store.Get(ctx, key)
	if errors.Is(err, model.ErrChunkNotFound) {
		e.log.Debugw("serve", "status", "not held", "chunk", key.String(), "peer", from)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !e.limiter.Allow() {
		e.log.Debugw("serve", "status", "throttled", "chunk", key.String(), "peer", from)
		return nil, nil
	}

	resp := mesh.ChunkResponse{
		RequestID:  req.RequestID,
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		Ciphertext: rec.Ciphertext,
		Nonce:      rec.Nonce,
		Timestamp:  mesh.Timestamp(e.clock.Now()),
	}

	if err := e.send(ctx, from, mesh.TypeChunkResponse, resp); err != nil {
		return nil, err
	}

	e.stats.served(rec.Size())
	e.log.Debugw("serve", "status", "served", "chunk", key.String(), "peer", from, "size", humanize.Bytes(rec.Size()))

	return rec, nil
}

func (e *Engine) onChunkRequest(s *session, from string, env mesh.Envelope) {
	e.bandwidth.AddReceived(env.Size())

	var req mesh.ChunkRequest
	if err := env.Decode(&req); err != nil {
		e.log.Warnw("serve", "status", "bad request", "peer", from, "error", err)
		return
	}

	if _, err := e.serve(s.ctx, s, from, req); err != nil {
		e.log.Warnw("serve", "status", "failed", "peer", from, "requestID", req.RequestID, "error", err)
	}
}

// onChunkResponse settles the pending request a response belongs to, if it
// comes from the peer the request was sent to. A response that cannot be
// decoded rejects only its own request.
func (e *Engine) onChunkResponse(s *session, from string, env mesh.Envelope) {
	e.bandwidth.AddReceived(env.Size())

	var resp mesh.ChunkResponse
	err := env.Decode(&resp)
	if err == nil {
		err = resp.Validate()
	}

	if err != nil {
		id, idErr := mesh.RequestIDOf(env)
		if idErr != nil {
			e.log.Warnw("response", "status", "dropped unmatched response", "peer", from, "error", err)
			return
		}

		if !s.tracker.Reject(id, from, errors.Join(ErrMalformedResponse, err)) {
			e.log.Debugw("response", "status", "malformed response for unknown request", "peer", from, "requestID", id)
		}
		return
	}

	rec := model.ChunkRecord{Ciphertext: resp.Ciphertext, Nonce: resp.Nonce}
	if !s.tracker.Resolve(resp.RequestID, from, model.NewChunkKey(resp.FileID, resp.ChunkIndex), rec) {
		e.log.Debugw("response", "status", "late, unknown or misaddressed response", "peer", from, "requestID", resp.RequestID)
	}
}

// onChunkSeed stores a pushed chunk and announces this peer as its holder.
func (e *Engine) onChunkSeed(s *session, from string, env mesh.Envelope) {
	e.bandwidth.AddReceived(env.Size())

	var seed mesh.ChunkSeed
	err := env.Decode(&seed)
	if err == nil {
		err = seed.Validate()
	}
	if err != nil {
		e.log.Warnw("seed", "status", "bad seed", "peer", from, "error", err)
		return
	}

	if err := e.acceptSeed(s.ctx, s, seed); err != nil {
		e.log.Warnw("seed", "status", "failed to accept", "peer", from, "fileID", seed.FileID, "chunkIndex", seed.ChunkIndex, "error", err)
		return
	}

	e.log.Debugw("seed", "status", "accepted", "peer", from, "fileID", seed.FileID, "chunkIndex", seed.ChunkIndex)
}

func (e *Engine) acceptSeed(ctx context.Context, s *session, seed mesh.ChunkSeed) error {
	key := model.NewChunkKey(seed.FileID, seed.ChunkIndex)
	rec := model.ChunkRecord{Ciphertext: seed.Ciphertext, Nonce: seed.Nonce}

	if err := s.ws.Store.Put(ctx, key, rec); err != nil {
		return err
	}

	if _, err := e.merge(s, key, []string{e.peerID}); err != nil {
		return err
	}

	e.stats.fetched(rec.Size())
	return nil
}
