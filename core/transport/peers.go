package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	FailedHealthChecksThreshold = 3
	MaxProbeBackoff             = 5 * time.Minute
)

type Peer struct {
	ID                 string
	Address            string
	Connected          bool
	FailedHealthChecks int
	LastSeen           time.Time

	nextProbe time.Time
	backoff   *backoff.ExponentialBackOff
}

// PeerRegistry tracks the configured peers and which of them are reachable.
type PeerRegistry struct {
	mu            sync.RWMutex
	peers         map[string]*Peer
	probeInterval time.Duration
	threshold     int
}

func NewPeerRegistry(probeInterval time.Duration, threshold int) *PeerRegistry {
	if threshold < 1 {
		threshold = FailedHealthChecksThreshold
	}

	return &PeerRegistry{
		peers:         make(map[string]*Peer),
		probeInterval: probeInterval,
		threshold:     threshold,
	}
}

func (r *PeerRegistry) Add(id, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, exists := r.peers[id]; exists {
		p.Address = address
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.probeInterval
	b.MaxInterval = MaxProbeBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	r.peers[id] = &Peer{ID: id, Address: address, backoff: b}
}

func (r *PeerRegistry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	if !exists {
		return Peer{}, false
	}

	return *p, true
}

func (r *PeerRegistry) Known(id string) bool {
	_, exists := r.Get(id)
	return exists
}

// Connected returns the IDs of reachable peers in sorted order.
func (r *PeerRegistry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.peers))
	for id, p := range r.peers {
		if p.Connected {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)
	return ids
}

// MarkHealthy records a successful exchange with the peer and reports
// whether it just became connected.
func (r *PeerRegistry) MarkHealthy(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[id]
	if !exists {
		return false
	}

	joined := !p.Connected
	p.Connected = true
	p.FailedHealthChecks = 0
	p.LastSeen = now
	p.backoff.Reset()
	p.nextProbe = now.Add(r.probeInterval)

	return joined
}

// MarkUnhealthy records a failed probe and reports whether the peer just
// dropped out. Disconnected peers are re-probed on an exponential back-off.
func (r *PeerRegistry) MarkUnhealthy(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[id]
	if !exists {
		return false
	}

	p.FailedHealthChecks++

	left := false
	if p.Connected && p.FailedHealthChecks >= r.threshold {
		p.Connected = false
		left = true
	}

	if p.Connected {
		p.nextProbe = now.Add(r.probeInterval)
	} else {
		p.nextProbe = now.Add(p.backoff.NextBackOff())
	}

	return left
}

// DueForProbe returns the peers whose next probe time has passed.
func (r *PeerRegistry) DueForProbe(now time.Time) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]Peer, 0)
	for _, p := range r.peers {
		if !now.Before(p.nextProbe) {
			due = append(due, *p)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}
