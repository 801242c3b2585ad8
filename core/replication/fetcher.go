package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/lib/utils"
	"github.com/pyropy/chunkmesh/rpc/mesh"
	"go.uber.org/zap"
)

type fetchState int

const (
	stateLookup fetchState = iota
	stateLocalHit
	stateDispatching
	stateAwaitingResponse
	stateResolved
	stateTimedOut
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case stateLookup:
		return "lookup"
	case stateLocalHit:
		return "local-hit"
	case stateDispatching:
		return "dispatching"
	case stateAwaitingResponse:
		return "awaiting-response"
	case stateResolved:
		return "resolved"
	case stateTimedOut:
		return "timed-out"
	case stateFailed:
		return "failed"
	}

	return "unknown"
}

// fetch drives one RequestChunkFromPeer call. Attempts run strictly one
// after another; each one targets targets[attempt % len(targets)].
type fetch struct {
	e       *Engine
	s       *session
	key     model.ChunkKey
	holders []string
	log     *zap.SugaredLogger

	state   fetchState
	targets []string
	attempt int
	pending *pendingRequest
	record  *model.ChunkRecord
	err     error
}

// RequestChunkFromPeer returns the chunk from the local store or fetches it
// from a peer, trying up to MaxAttempts peers. When knownHolders is empty the
// holders recorded in the availability directory are used. Exhausting every
// attempt yields ErrChunkUnavailable; a workspace switch mid-fetch yields
// ErrAborted.
func (e *Engine) RequestChunkFromPeer(ctx context.Context, fileID string, chunkIndex uint32, knownHolders []string) (*model.ChunkRecord, error) {
	s, err := e.active()
	if err != nil {
		return nil, err
	}

	key := model.NewChunkKey(fileID, chunkIndex)
	f := &fetch{
		e:       e,
		s:       s,
		key:     key,
		holders: knownHolders,
		log:     e.log.With("chunk", key.String()),
		state:   stateLookup,
	}

	return f.run(ctx)
}

func (f *fetch) run(ctx context.Context) (*model.ChunkRecord, error) {
	for {
		switch f.state {
		case stateLookup:
			f.state = f.lookup(ctx)
		case stateDispatching:
			f.state = f.dispatch(ctx)
		case stateAwaitingResponse:
			f.state = f.await(ctx)
		case stateTimedOut:
			f.state = f.next()
		case stateLocalHit, stateResolved:
			return f.record, nil
		case stateFailed:
			return nil, f.err
		}
	}
}

func (f *fetch) lookup(ctx context.Context) fetchState {
	rec, err := f.s.ws.Store.Get(ctx, f.key)
	if err == nil {
		f.record = rec
		return stateLocalHit
	}
	if !errors.Is(err, model.ErrChunkNotFound) {
		f.log.Warnw("fetch", "status", "local lookup failed", "error", err)
	}

	f.targets, err = f.candidates()
	if err != nil {
		f.err = err
		return stateFailed
	}

	if len(f.targets) == 0 {
		f.log.Debugw("fetch", "status", "no candidate peers")
		f.err = ErrChunkUnavailable
		return stateFailed
	}

	return stateDispatching
}

// candidates prefers connected holders and falls back to every connected peer.
func (f *fetch) candidates() ([]string, error) {
	holders := f.holders
	if len(holders) == 0 {
		entry, err := f.s.ws.Directory.Get(f.key.String())
		if err != nil {
			return nil, fmt.Errorf("read holders of %s: %w", f.key, err)
		}
		if entry != nil {
			holders = entry.Holders
		}
	}

	connected := utils.Remove(f.e.transport.ConnectedPeers(), f.e.peerID)

	targets := utils.Intersect(holders, connected)
	if len(targets) == 0 {
		targets = connected
	}

	return targets, nil
}

// aborted reports whether the session this fetch belongs to has ended.
func (f *fetch) aborted() bool {
	if f.s.ctx.Err() == nil {
		return false
	}

	f.log.Debugw("fetch", "status", "aborted", "attempt", f.attempt+1)
	f.err = ErrAborted
	return true
}

func (f *fetch) dispatch(ctx context.Context) fetchState {
	if f.aborted() {
		return stateFailed
	}

	peer := f.targets[f.attempt%len(f.targets)]

	var err error
	f.pending, err = f.s.tracker.Register(f.key, peer)
	if err != nil {
		f.err = err
		return stateFailed
	}

	req := mesh.ChunkRequest{
		RequestID:  f.pending.ID,
		FileID:     f.key.FileID,
		ChunkIndex: f.key.ChunkIndex,
		Timestamp:  mesh.Timestamp(f.e.clock.Now()),
	}

	if err := f.e.send(ctx, peer, mesh.TypeChunkRequest, req); err != nil {
		f.s.tracker.Cancel(f.pending.ID)
		f.e.stats.attempt("send_failed")
		f.log.Warnw("fetch", "status", "send failed", "peer", peer, "attempt", f.attempt+1, "error", err)
		return stateTimedOut
	}

	f.log.Debugw("fetch", "status", "requested", "peer", peer, "attempt", f.attempt+1, "requestID", f.pending.ID)
	return stateAwaitingResponse
}

func (f *fetch) await(ctx context.Context) fetchState {
	var r response

	select {
	case r = <-f.pending.done:
	case <-ctx.Done():
		f.s.tracker.Cancel(f.pending.ID)
		f.err = ctx.Err()
		return stateFailed
	case <-f.s.ctx.Done():
		f.s.tracker.Cancel(f.pending.ID)
		f.err = ErrAborted
		return stateFailed
	}

	switch {
	case errors.Is(r.err, ErrAborted):
		f.err = ErrAborted
		return stateFailed
	case errors.Is(r.err, ErrRequestTimeout):
		f.e.stats.attempt("timeout")
		f.log.Debugw("fetch", "status", "timed out", "peer", f.pending.Peer, "attempt", f.attempt+1)
		return stateTimedOut
	case r.err != nil:
		f.e.stats.attempt("malformed")
		f.log.Warnw("fetch", "status", "bad response", "peer", f.pending.Peer, "error", r.err)
		return stateTimedOut
	case r.key != f.key:
		f.e.stats.attempt("malformed")
		f.log.Warnw("fetch", "status", "response for another chunk", "peer", f.pending.Peer, "got", r.key.String())
		return stateTimedOut
	}

	if f.aborted() {
		return stateFailed
	}

	if err := f.s.ws.Store.Put(ctx, f.key, *r.record); err != nil {
		f.err = fmt.Errorf("persist fetched chunk %s: %w", f.key, err)
		return stateFailed
	}

	f.e.stats.attempt("resolved")
	f.e.stats.fetched(r.record.Size())
	f.record = r.record.Clone()

	return stateResolved
}

func (f *fetch) next() fetchState {
	f.attempt++
	f.pending = nil

	if f.aborted() {
		return stateFailed
	}

	if f.attempt >= f.e.cfg.MaxAttempts {
		f.log.Infow("fetch", "status", "unavailable", "attempts", f.attempt)
		f.err = ErrChunkUnavailable
		return stateFailed
	}

	return stateDispatching
}
