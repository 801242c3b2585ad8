package replication

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/lib/concurrent_map"
)

type response struct {
	key    model.ChunkKey
	record *model.ChunkRecord
	err    error
}

type pendingRequest struct {
	ID   string
	Key  model.ChunkKey
	Peer string

	timer *clock.Timer
	done  chan response
}

// Tracker holds the outstanding chunk requests. Each request settles exactly
// once: by a response, a rejection, its timeout or an abort. Once AbortAll
// has run the tracker refuses new requests.
type Tracker struct {
	clock   clock.Clock
	timeout time.Duration

	// mu orders registration against settlement and abort.
	mu      sync.Mutex
	closed  bool
	pending *concurrent_map.Map[string, *pendingRequest]
}

func NewTracker(clk clock.Clock, timeout time.Duration) *Tracker {
	return &Tracker{
		clock:   clk,
		timeout: timeout,
		pending: concurrent_map.NewMap[string, *pendingRequest](),
	}
}

// Register creates a pending request for key addressed to peer and arms its
// timeout. It fails with ErrAborted after AbortAll.
func (t *Tracker) Register(key model.ChunkKey, peer string) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrAborted
	}

	p := &pendingRequest{
		ID:   uuid.NewString(),
		Key:  key,
		Peer: peer,
		done: make(chan response, 1),
	}

	p.timer = t.clock.AfterFunc(t.timeout, func() {
		t.settle(p.ID, "", response{key: key, err: ErrRequestTimeout})
	})
	t.pending.Set(p.ID, p)

	return p, nil
}

// Resolve settles the request with rec. Only the peer the request was sent
// to can resolve it.
func (t *Tracker) Resolve(id, from string, key model.ChunkKey, rec model.ChunkRecord) bool {
	return t.settle(id, from, response{key: key, record: &rec})
}

// Reject fails the request with err. Like Resolve it only accepts the
// addressed peer.
func (t *Tracker) Reject(id, from string, err error) bool {
	return t.settle(id, from, response{err: err})
}

// Cancel drops the request without notifying its waiter.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.pending.Take(id)
	if !exists {
		return
	}

	p.timer.Stop()
}

// AbortAll rejects every pending request with ErrAborted and closes the
// tracker to new registrations.
func (t *Tracker) AbortAll() int {
	t.mu.Lock()
	t.closed = true
	ids := make([]string, 0, t.pending.Len())
	t.pending.Range(func(id string, _ *pendingRequest) bool {
		ids = append(ids, id)
		return true
	})
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.settle(id, "", response{err: ErrAborted}) {
			n++
		}
	}

	return n
}

func (t *Tracker) Len() int {
	return t.pending.Len()
}

// settle delivers r to the waiter of id. An empty from skips the sender check.
func (t *Tracker) settle(id, from string, r response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found, exists := t.pending.Get(id)
	if !exists {
		return false
	}

	p := *found
	if from != "" && p.Peer != from {
		return false
	}

	t.pending.Delete(id)
	p.timer.Stop()
	p.done <- r

	return true
}
