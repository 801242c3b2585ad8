package catalog

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pyropy/chunkmesh/lib/logger"
	"go.uber.org/zap"
)

var (
	FileDeletionThreshold = 24 * time.Hour
	DeletionScanInterval  = 60 * time.Second
)

// Purger drops whatever a component still holds for a removed file.
type Purger interface {
	PurgeFile(ctx context.Context, fileID string) (int, error)
}

// PurgerFunc adapts a function to Purger.
type PurgerFunc func(ctx context.Context, fileID string) (int, error)

func (f PurgerFunc) PurgeFile(ctx context.Context, fileID string) (int, error) {
	return f(ctx, fileID)
}

// DeletionMonitor permanently removes files that have been marked deleted
// for longer than the threshold, together with their availability entries
// and locally cached chunks.
type DeletionMonitor struct {
	files     *Store
	purgers   []Purger
	clock     clock.Clock
	threshold time.Duration
	log       *zap.SugaredLogger
}

func NewDeletionMonitor(files *Store, clk clock.Clock, log *zap.SugaredLogger, purgers ...Purger) *DeletionMonitor {
	if clk == nil {
		clk = clock.New()
	}

	return &DeletionMonitor{
		files:     files,
		purgers:   purgers,
		clock:     clk,
		threshold: FileDeletionThreshold,
		log:       logger.OrNop(log),
	}
}

// Start runs a sweep every DeletionScanInterval until ctx is done.
func (m *DeletionMonitor) Start(ctx context.Context) {
	ticker := m.clock.Ticker(DeletionScanInterval)
	defer ticker.Stop()

	m.log.Infow("deletion-monitor", "status", "started", "threshold", m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Errorw("deletion-monitor", "error", err)
			}
		}
	}
}

// Sweep removes every expired file and returns how many were removed.
func (m *DeletionMonitor) Sweep(ctx context.Context) (int, error) {
	files, err := m.files.All(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if !m.isForDeletion(f.Deleted, f.DeletedAt) {
			continue
		}

		for _, p := range m.purgers {
			n, err := p.PurgeFile(ctx, f.ID)
			if err != nil {
				m.log.Warnw("deletion-monitor", "status", "purge failed", "fileID", f.ID, "error", err)
				continue
			}
			m.log.Debugw("deletion-monitor", "status", "purged", "fileID", f.ID, "entries", n)
		}

		if err := m.files.Delete(ctx, f.ID); err != nil {
			return removed, err
		}

		m.log.Infow("deletion-monitor", "status", "file removed", "fileID", f.ID, "name", f.Name)
		removed++
	}

	return removed, nil
}

func (m *DeletionMonitor) isForDeletion(deleted bool, deletedAt time.Time) bool {
	deleteAfter := m.clock.Now().Add(-m.threshold)
	return deleted && deletedAt.Before(deleteAfter)
}
