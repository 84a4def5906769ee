package cache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cachevoice/cachevoice/internal/observe"
)

// Evictor trims the cache on a schedule: rows older than the minimum age
// always go, and when the table exceeds the entry cap, the least-hit rows
// beyond it go too. Removal order per candidate is hot index, then file,
// then metadata row, so a concurrent lookup can never resolve to a path
// whose row survived but whose file is gone.
type Evictor struct {
	storage    *Storage
	maxEntries int
	minAge     time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

// NewEvictor creates an evictor over storage. interval is the period of the
// background pass started by Run.
func NewEvictor(storage *Storage, maxEntries int, minAge, interval time.Duration, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		storage:    storage,
		maxEntries: maxEntries,
		minAge:     minAge,
		interval:   interval,
		logger:     logger,
	}
}

// Run executes an eviction pass every interval until ctx is canceled. Pass
// failures are logged and the loop keeps going.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				e.logger.Error("eviction pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single eviction pass and returns how many entries were
// removed. A file that is already gone does not abort the pass; its row is
// still deleted.
func (e *Evictor) RunOnce(ctx context.Context) (int, error) {
	candidates, err := e.storage.DB().EvictionCandidates(ctx, e.maxEntries, e.minAge)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		e.storage.Hot().Remove(c.TextNormalized, c.VoiceID)
		if err := os.Remove(c.AudioPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("failed to remove evicted audio file",
				"path", c.AudioPath,
				"error", err)
		}
		ids = append(ids, c.ID)
	}
	if err := e.storage.DB().DeleteByIDs(ctx, ids); err != nil {
		return 0, err
	}

	observe.DefaultMetrics().CacheEvictions.Add(ctx, int64(len(ids)))
	e.logger.Info("eviction pass complete", "evicted", len(ids))
	return len(ids), nil
}
