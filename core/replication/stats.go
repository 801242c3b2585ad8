package replication

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/pyropy/chunkmesh/core/model"
)

type metrics struct {
	chunksServed    prometheus.Counter
	bytesServed     prometheus.Counter
	chunksFetched   prometheus.Counter
	bytesFetched    prometheus.Counter
	chunksSeeded    prometheus.Counter
	bytesSeeded     prometheus.Counter
	fetchAttempts   *prometheus.CounterVec
	seedCycles      prometheus.Counter
	underReplicated prometheus.Gauge
	pendingRequests prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, pending func() float64) *metrics {
	f := promauto.With(reg)

	return &metrics{
		chunksServed: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_chunks_served_total",
			Help: "Chunks sent in answer to peer requests.",
		}),
		bytesServed: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_bytes_served_total",
			Help: "Ciphertext bytes sent in answer to peer requests.",
		}),
		chunksFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_chunks_fetched_total",
			Help: "Chunks received from peers, fetched or seeded to us.",
		}),
		bytesFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_bytes_fetched_total",
			Help: "Ciphertext bytes received from peers.",
		}),
		chunksSeeded: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_chunks_seeded_total",
			Help: "Chunks pushed to under-replicating peers.",
		}),
		bytesSeeded: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_bytes_seeded_total",
			Help: "Ciphertext bytes pushed to under-replicating peers.",
		}),
		fetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkmesh_fetch_attempts_total",
			Help: "Chunk request attempts by outcome.",
		}, []string{"outcome"}),
		seedCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_seed_cycles_total",
			Help: "Completed seeding cycles.",
		}),
		underReplicated: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_under_replicated_chunks",
			Help: "Under-replicated chunks found by the last seeding cycle.",
		}),
		pendingRequests: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chunkmesh_pending_requests",
			Help: "Chunk requests awaiting a response.",
		}, pending),
	}
}

// Stats aggregates transfer and seeding counters. Prometheus counters are
// monotonic, so Reset only clears the values returned to callers.
type Stats struct {
	mu       sync.Mutex
	transfer model.TransferStats
	seeding  model.SeedingStats
	metrics  *metrics
}

func newStats(m *metrics) *Stats {
	return &Stats{metrics: m}
}

func (s *Stats) Transfer() model.TransferStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transfer
}

func (s *Stats) Seeding() model.SeedingStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.seeding
	if out.LastSeedRun != nil {
		t := *out.LastSeedRun
		out.LastSeedRun = &t
	}

	return out
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.seeding.SeedingActive
	s.transfer = model.TransferStats{}
	s.seeding = model.SeedingStats{SeedingActive: active}
}

func (s *Stats) served(bytes uint64) {
	s.mu.Lock()
	s.transfer.ChunksServed++
	s.transfer.BytesServed += bytes
	s.mu.Unlock()

	s.metrics.chunksServed.Inc()
	s.metrics.bytesServed.Add(float64(bytes))
}

func (s *Stats) fetched(bytes uint64) {
	s.mu.Lock()
	s.transfer.ChunksFetched++
	s.transfer.BytesFetched += bytes
	s.mu.Unlock()

	s.metrics.chunksFetched.Inc()
	s.metrics.bytesFetched.Add(float64(bytes))
}

func (s *Stats) seeded(bytes uint64) {
	s.mu.Lock()
	s.seeding.ChunksSeeded++
	s.seeding.BytesSeeded += bytes
	s.mu.Unlock()

	s.metrics.chunksSeeded.Inc()
	s.metrics.bytesSeeded.Add(float64(bytes))
}

func (s *Stats) setSeedingActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seeding.SeedingActive = active
}

func (s *Stats) seedCycleFinished(at time.Time, underReplicated int) {
	s.mu.Lock()
	s.seeding.LastSeedRun = &at
	s.seeding.UnderReplicatedCount = underReplicated
	s.mu.Unlock()

	s.metrics.seedCycles.Inc()
	s.metrics.underReplicated.Set(float64(underReplicated))
}

func (s *Stats) attempt(outcome string) {
	s.metrics.fetchAttempts.WithLabelValues(outcome).Inc()
}
