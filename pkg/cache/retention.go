package cache

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
)

// Sweeper drops snapshots that have outlived their usefulness on a cron
// schedule. Age is judged by the snapshot's own saved_at stamp so the
// sweep works the same against pebble and redis backends.
type Sweeper struct {
	cache  Cache
	cron   string
	maxAge time.Duration
}

func NewSweeper(c Cache, cronExpr string, maxAge time.Duration) *Sweeper {
	return &Sweeper{cache: c, cron: cronExpr, maxAge: maxAge}
}

// Run computes the next cron tick, sleeps until it and sweeps, until
// ctx is done. An empty or invalid expression disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cron == "" {
		return
	}
	if !gronx.IsValid(s.cron) {
		logger.Error("retention_cron_invalid", "cron", s.cron)
		return
	}
	logger.Info("retention_sweeper_started", "cron", s.cron, "max_age", s.maxAge.String())
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("retention_next_tick_failed", "cron", s.cron, "error", err)
			next = time.Now().UTC().Add(time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.Sweep(ctx)
		}
	}
}

// Sweep walks all snapshots once and drops the expired ones.
func (s *Sweeper) Sweep(ctx context.Context) {
	threads, err := s.cache.Threads(ctx)
	if err != nil {
		logger.Warn("retention_list_failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	dropped := 0
	for _, id := range threads {
		if s.expired(ctx, id, cutoff) {
			if err := s.cache.Drop(ctx, id); err != nil {
				logger.Warn("retention_drop_failed", "thread", id, "error", err)
				continue
			}
			dropped++
		}
	}
	logger.Info("retention_sweep_done", "scanned", len(threads), "dropped", dropped)
}

func (s *Sweeper) expired(ctx context.Context, id models.Ident, cutoff time.Time) bool {
	snap, err := s.cache.Hydrate(ctx, id)
	if err != nil {
		// a discarded or missing snapshot has nothing left to drop
		return false
	}
	saved, err := time.Parse(time.RFC3339Nano, snap.SavedAt)
	if err != nil {
		return true
	}
	return saved.Before(cutoff)
}
