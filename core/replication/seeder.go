package replication

import (
	"errors"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/lib/utils"
	"github.com/pyropy/chunkmesh/rpc/mesh"
)

type underReplicated struct {
	key          model.ChunkKey
	replication  int
	peersWithout []string
}

// EffectiveTarget clamps the redundancy target to the number of peers that
// can actually hold a copy, this one included.
func EffectiveTarget(target, connectedPeers int) int {
	if connectedPeers+1 < target {
		return connectedPeers + 1
	}

	return target
}

func (e *Engine) startSeeding(s *session) {
	select {
	case <-s.ctx.Done():
		return
	case <-e.clock.After(e.cfg.SeedInitialDelay):
	}

	e.runSeedCycle(s)

	ticker := e.clock.Ticker(e.cfg.SeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			e.runSeedCycle(s)
		}
	}
}

// TriggerSeedCycle schedules a seed cycle after the debounce window. Calls
// arriving within the window push it back, so a burst yields one cycle.
func (e *Engine) TriggerSeedCycle() {
	s := e.current()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	if s.debounce != nil {
		s.debounce.Stop()
	}

	s.debounce = e.clock.AfterFunc(e.cfg.SeedDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.runSeedCycle(s)
		}()
	})
}

// RunSeedCycle runs one seed cycle now and returns how many chunks were
// pushed. It is a no-op while another cycle is in flight.
func (e *Engine) RunSeedCycle() (int, error) {
	s, err := e.active()
	if err != nil {
		return 0, err
	}

	return e.runSeedCycle(s), nil
}

func (e *Engine) runSeedCycle(s *session) int {
	if s.ctx.Err() != nil {
		return 0
	}

	if !e.seeding.TryLock() {
		e.log.Debugw("seeding", "status", "cycle already running")
		return 0
	}
	defer e.seeding.Unlock()

	e.stats.setSeedingActive(true)
	defer e.stats.setSeedingActive(false)

	candidates, err := e.findUnderReplicated(s)
	if err != nil {
		e.log.Errorw("seeding", "status", "scan failed", "error", err)
	}

	seeded := 0
	for start := 0; start < len(candidates) && s.ctx.Err() == nil; start += e.cfg.MaxConcurrentSeeds {
		end := start + e.cfg.MaxConcurrentSeeds
		if end > len(candidates) {
			end = len(candidates)
		}

		seeded += e.seedBatch(s, candidates[start:end])
	}

	e.stats.seedCycleFinished(e.clock.Now(), len(candidates))
	if len(candidates) > 0 {
		e.log.Infow("seeding", "status", "cycle finished", "underReplicated", len(candidates), "seeded", seeded)
	}

	return seeded
}

// findUnderReplicated lists the chunks this peer holds whose holder count is
// below the effective target and that some connected peer lacks, most
// starved first.
func (e *Engine) findUnderReplicated(s *session) ([]underReplicated, error) {
	connected := utils.Remove(e.transport.ConnectedPeers(), e.peerID)

	effectiveTarget := EffectiveTarget(e.cfg.RedundancyTarget, len(connected))
	if effectiveTarget <= 1 {
		return nil, nil
	}

	files, err := s.ws.Files.ActiveFiles(s.ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]underReplicated, 0)
	for _, f := range files {
		for _, key := range f.ChunkKeys() {
			entry, err := s.ws.Directory.Get(key.String())
			if err != nil {
				return candidates, err
			}

			if entry == nil || !entry.HasHolder(e.peerID) {
				continue
			}

			replication := len(entry.Holders)
			if replication >= effectiveTarget {
				continue
			}

			peersWithout := utils.Difference(connected, entry.Holders)
			if len(peersWithout) == 0 {
				continue
			}

			candidates = append(candidates, underReplicated{
				key:          key,
				replication:  replication,
				peersWithout: peersWithout,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].replication < candidates[j].replication
	})

	return candidates, nil
}

func (e *Engine) seedBatch(s *session, batch []underReplicated) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seeded int
	)

	for _, c := range batch {
		peer := e.randomPeer(c.peersWithout)

		wg.Add(1)
		go func(key model.ChunkKey, peer string) {
			defer wg.Done()

			if e.seedChunk(s, key, peer) {
				mu.Lock()
				seeded++
				mu.Unlock()
			}
		}(c.key, peer)
	}

	wg.Wait()
	return seeded
}

func (e *Engine) seedChunk(s *session, key model.ChunkKey, peer string) bool {
	rec, err := s.ws.Store.Get(s.ctx, key)
	if errors.Is(err, model.ErrChunkNotFound) {
		e.log.Warnw("seeding", "status", "listed as holder but chunk missing locally", "chunk", key.String())
		return false
	}
	if err != nil {
		e.log.Warnw("seeding", "status", "local read failed", "chunk", key.String(), "error", err)
		return false
	}

	seed := mesh.ChunkSeed{
		FileID:     key.FileID,
		ChunkIndex: key.ChunkIndex,
		Ciphertext: rec.Ciphertext,
		Nonce:      rec.Nonce,
		Timestamp:  mesh.Timestamp(e.clock.Now()),
	}

	if err := e.send(s.ctx, peer, mesh.TypeChunkSeed, seed); err != nil {
		e.log.Warnw("seeding", "status", "send failed", "chunk", key.String(), "peer", peer, "error", err)
		return false
	}

	e.stats.seeded(rec.Size())
	e.log.Debugw("seeding", "status", "seeded", "chunk", key.String(), "peer", peer, "size", humanize.Bytes(rec.Size()))

	return true
}
