package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pyropy/chunkmesh/core/availability"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/core/transport"
	"github.com/pyropy/chunkmesh/lib/logger"
	"github.com/pyropy/chunkmesh/rpc/mesh"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrChunkUnavailable  = errors.New("chunk not available")
	ErrAborted           = errors.New("aborted")
	ErrNoWorkspace       = errors.New("no workspace open")
	ErrMalformedResponse = errors.New("malformed chunk response")
	ErrRequestTimeout    = errors.New("chunk request timed out")
)

// Transport delivers typed messages to peers.
type Transport interface {
	Send(ctx context.Context, peerID string, env mesh.Envelope) error
	ConnectedPeers() []string
	RegisterHandler(msgType mesh.MessageType, h transport.Handler)
	UnregisterHandler(msgType mesh.MessageType)
}

// ChunkStore is the per-workspace durable chunk cache.
type ChunkStore interface {
	Get(ctx context.Context, k model.ChunkKey) (*model.ChunkRecord, error)
	Put(ctx context.Context, k model.ChunkKey, rec model.ChunkRecord) error
	Has(ctx context.Context, k model.ChunkKey) (bool, error)
	Close() error
}

// chunkIndexer is implemented by stores that can list a file's chunks in
// one scan.
type chunkIndexer interface {
	Indexes(ctx context.Context, fileID string) ([]uint32, error)
}

// FileCatalog lists the files whose chunks the seeder keeps replicated.
type FileCatalog interface {
	ActiveFiles(ctx context.Context) ([]model.FileMetadata, error)
}

// Workspace bundles the stores an engine session works against. The engine
// takes ownership of Store and closes it when the session ends.
type Workspace struct {
	ID        string
	Store     ChunkStore
	Directory availability.Directory
	Files     FileCatalog
}

type Options struct {
	Config     Config
	PeerID     string
	Transport  Transport
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
	Rand       *rand.Rand
}

// Engine replicates chunks of the open workspace across the peer mesh.
type Engine struct {
	cfg       Config
	peerID    string
	transport Transport
	clock     clock.Clock
	log       *zap.SugaredLogger

	stats     *Stats
	bandwidth *BandwidthSampler
	limiter   *rate.Limiter

	// seeding is held for the duration of a seed cycle.
	seeding sync.Mutex

	randMu sync.Mutex
	rand   *rand.Rand

	mu      sync.Mutex
	session *session
}

type session struct {
	ws      Workspace
	tracker *Tracker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	debounce *clock.Timer

	// merges serializes read-merge-write on directories without Merger.
	merges sync.Mutex
}

func New(opts Options) *Engine {
	cfg := opts.Config.withDefaults()

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	e := &Engine{
		cfg:       cfg,
		peerID:    opts.PeerID,
		transport: opts.Transport,
		clock:     opts.Clock,
		log:       logger.OrNop(opts.Logger),
		bandwidth: NewBandwidthSampler(opts.Clock, cfg.BandwidthSampleInterval, cfg.BandwidthHistory),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ServeRateLimit), cfg.ServeRateBurst),
		rand:      opts.Rand,
	}

	e.stats = newStats(newMetrics(opts.Registerer, func() float64 {
		s := e.current()
		if s == nil {
			return 0
		}
		return float64(s.tracker.Len())
	}))

	return e
}

func (e *Engine) PeerID() string {
	return e.peerID
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Open makes ws the active workspace. Whatever session was active before is
// torn down first: its pending requests are aborted, its loops stopped and
// its chunk store closed.
func (e *Engine) Open(ws Workspace) error {
	if ws.Store == nil || ws.Directory == nil || ws.Files == nil {
		return fmt.Errorf("open workspace %q: store, directory and catalog are required", ws.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ws:      ws,
		tracker: NewTracker(e.clock, e.cfg.RequestTimeout),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.stats.Reset()
	e.bandwidth.Reset()

	e.transport.RegisterHandler(mesh.TypeChunkRequest, func(from string, env mesh.Envelope) {
		e.onChunkRequest(s, from, env)
	})
	e.transport.RegisterHandler(mesh.TypeChunkResponse, func(from string, env mesh.Envelope) {
		e.onChunkResponse(s, from, env)
	})
	e.transport.RegisterHandler(mesh.TypeChunkSeed, func(from string, env mesh.Envelope) {
		e.onChunkSeed(s, from, env)
	})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		e.startSeeding(s)
	}()
	go func() {
		defer s.wg.Done()
		e.bandwidth.Start(s.ctx)
	}()

	e.session = s
	e.log.Infow("engine", "status", "workspace opened", "workspace", ws.ID, "peer", e.peerID)

	return nil
}

// Close tears down the active session, if any.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.teardown()
}

func (e *Engine) teardown() error {
	s := e.session
	if s == nil {
		return nil
	}
	e.session = nil

	e.transport.UnregisterHandler(mesh.TypeChunkRequest)
	e.transport.UnregisterHandler(mesh.TypeChunkResponse)
	e.transport.UnregisterHandler(mesh.TypeChunkSeed)

	s.cancel()

	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	aborted := s.tracker.AbortAll()
	s.wg.Wait()

	err := s.ws.Store.Close()
	e.log.Infow("engine", "status", "workspace closed", "workspace", s.ws.ID, "abortedRequests", aborted)

	return err
}

func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.session
}

func (e *Engine) active() (*session, error) {
	s := e.current()
	if s == nil {
		return nil, ErrNoWorkspace
	}

	return s, nil
}

// StoreChunk imports a locally produced chunk and announces it.
func (e *Engine) StoreChunk(ctx context.Context, key model.ChunkKey, rec model.ChunkRecord) error {
	s, err := e.active()
	if err != nil {
		return err
	}

	if err := s.ws.Store.Put(ctx, key, rec); err != nil {
		return fmt.Errorf("store chunk %s: %w", key, err)
	}

	_, err = e.merge(s, key, []string{e.peerID})
	return err
}

// SetChunkAvailability adds holders to the directory entry for the chunk.
// The stored holder set only ever grows.
func (e *Engine) SetChunkAvailability(fileID string, chunkIndex uint32, holders []string) (model.AvailabilityEntry, error) {
	s, err := e.active()
	if err != nil {
		return model.AvailabilityEntry{}, err
	}

	return e.merge(s, model.NewChunkKey(fileID, chunkIndex), holders)
}

// merge unions holders into the session directory. Directories that cannot
// merge atomically are updated under the session lock, so concurrent merges
// from this engine never drop holders.
func (e *Engine) merge(s *session, key model.ChunkKey, holders []string) (model.AvailabilityEntry, error) {
	if _, atomic := s.ws.Directory.(availability.Merger); !atomic {
		s.merges.Lock()
		defer s.merges.Unlock()
	}

	return availability.Merge(s.ws.Directory, key, holders, e.clock.Now())
}

// AnnounceAvailability records this peer as a holder of every chunk of the
// file that is present in the local store, and returns how many that was.
func (e *Engine) AnnounceAvailability(ctx context.Context, fileID string, chunkCount uint32) (int, error) {
	s, err := e.active()
	if err != nil {
		return 0, err
	}

	announced := 0
	for i := uint32(0); i < chunkCount; i++ {
		key := model.NewChunkKey(fileID, i)

		ok, err := s.ws.Store.Has(ctx, key)
		if err != nil {
			return announced, err
		}
		if !ok {
			continue
		}

		if _, err := e.merge(s, key, []string{e.peerID}); err != nil {
			return announced, err
		}
		announced++
	}

	e.log.Debugw("engine", "status", "announced", "fileID", fileID, "chunks", announced, "of", chunkCount)
	return announced, nil
}

// GetLocalChunkCount reports how many of the file's chunks are stored locally.
func (e *Engine) GetLocalChunkCount(ctx context.Context, fileID string, chunkCount uint32) (uint32, error) {
	s, err := e.active()
	if err != nil {
		return 0, err
	}

	var n uint32
	if ix, ok := s.ws.Store.(chunkIndexer); ok {
		indexes, err := ix.Indexes(ctx, fileID)
		if err != nil {
			return 0, err
		}

		for _, i := range indexes {
			if i < chunkCount {
				n++
			}
		}

		return n, nil
	}

	for i := uint32(0); i < chunkCount; i++ {
		ok, err := s.ws.Store.Has(ctx, model.NewChunkKey(fileID, i))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}

	return n, nil
}

func (e *Engine) TransferStats() model.TransferStats {
	return e.stats.Transfer()
}

func (e *Engine) SeedingStats() model.SeedingStats {
	return e.stats.Seeding()
}

func (e *Engine) BandwidthHistory() []model.BandwidthSample {
	return e.bandwidth.History()
}

// BandwidthRate returns smoothed send and receive rates in bytes per second.
func (e *Engine) BandwidthRate() (sent, received float64) {
	return e.bandwidth.Rate()
}

func (e *Engine) ResetStats() {
	e.stats.Reset()
}

func (e *Engine) send(ctx context.Context, peerID string, msgType mesh.MessageType, payload any) error {
	env, err := mesh.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	if err := e.transport.Send(ctx, peerID, env); err != nil {
		return err
	}

	e.bandwidth.AddSent(env.Size())
	return nil
}

func (e *Engine) randomPeer(peers []string) string {
	e.randMu.Lock()
	defer e.randMu.Unlock()

	return peers[e.rand.Intn(len(peers))]
}
