package transport

import (
	"context"
	"sync"
)

// StartHealthCheck probes due peers every probe interval until ctx is done.
func (t *HTTPTransport) StartHealthCheck(ctx context.Context) {
	ticker := t.clock.Ticker(t.Peers.probeInterval)
	defer ticker.Stop()

	t.CheckPeers(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckPeers(ctx)
		}
	}
}

// CheckPeers pings every peer that is due and waits for all probes.
func (t *HTTPTransport) CheckPeers(ctx context.Context) {
	var wg sync.WaitGroup

	for _, p := range t.Peers.DueForProbe(t.clock.Now()) {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()

			err := t.Ping(ctx, p)
			if err == nil {
				t.markHealthy(p.ID)
				return
			}

			t.log.Debugw("health-check", "peer", p.ID, "address", p.Address, "error", err)
			if left := t.Peers.MarkUnhealthy(p.ID, t.clock.Now()); left {
				t.log.Warnw("health-check", "status", "peer disconnected", "peer", p.ID, "failures", p.FailedHealthChecks+1)
			}
		}(p)
	}

	wg.Wait()
}
