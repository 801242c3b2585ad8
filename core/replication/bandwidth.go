package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/andres-erbsen/clock"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/lib/ring"
)

// BandwidthSampler accumulates bytes moved on the wire and periodically
// folds them into a bounded history.
type BandwidthSampler struct {
	sent     atomic.Uint64
	received atomic.Uint64

	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	history  *ring.Buffer[model.BandwidthSample]
	sentAvg  ewma.MovingAverage
	recvAvg  ewma.MovingAverage
}

func NewBandwidthSampler(clk clock.Clock, interval time.Duration, capacity int) *BandwidthSampler {
	return &BandwidthSampler{
		clock:    clk,
		interval: interval,
		history:  ring.New[model.BandwidthSample](capacity),
		sentAvg:  ewma.NewMovingAverage(),
		recvAvg:  ewma.NewMovingAverage(),
	}
}

func (b *BandwidthSampler) AddSent(n int) {
	if n > 0 {
		b.sent.Add(uint64(n))
	}
}

func (b *BandwidthSampler) AddReceived(n int) {
	if n > 0 {
		b.received.Add(uint64(n))
	}
}

// Sample moves the running counters into a new history entry.
func (b *BandwidthSampler) Sample() model.BandwidthSample {
	s := model.BandwidthSample{
		Timestamp:     b.clock.Now(),
		BytesSent:     b.sent.Swap(0),
		BytesReceived: b.received.Swap(0),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.Push(s)
	b.sentAvg.Add(float64(s.BytesSent))
	b.recvAvg.Add(float64(s.BytesReceived))

	return s
}

// History returns the retained samples, oldest first.
func (b *BandwidthSampler) History() []model.BandwidthSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.history.Items()
}

// Rate returns the smoothed send and receive rates in bytes per second.
func (b *BandwidthSampler) Rate() (sent, received float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	secs := b.interval.Seconds()
	if secs <= 0 || b.history.Len() == 0 {
		return 0, 0
	}

	return b.sentAvg.Value() / secs, b.recvAvg.Value() / secs
}

func (b *BandwidthSampler) Reset() {
	b.sent.Store(0)
	b.received.Store(0)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.Reset()
	b.sentAvg = ewma.NewMovingAverage()
	b.recvAvg = ewma.NewMovingAverage()
}

// Start samples every interval until ctx is done.
func (b *BandwidthSampler) Start(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sample()
		}
	}
}
