package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/telemetry"
)

// Pebble stores snapshots in a local pebble database under the agent's
// cache directory. One key per thread: thread:<id>:snapshot.
type Pebble struct {
	db    *pebble.DB
	limit int
}

func OpenPebble(path string, limit int) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return &Pebble{db: db, limit: limit}, nil
}

func snapshotKey(threadID models.Ident) []byte {
	return []byte("thread:" + threadID.String() + ":snapshot")
}

func (p *Pebble) Hydrate(_ context.Context, threadID models.Ident) (Snapshot, error) {
	val, closer, err := p.db.Get(snapshotKey(threadID))
	if errors.Is(err, pebble.ErrNotFound) {
		telemetry.CacheOps.WithLabelValues("miss").Inc()
		return Snapshot{}, ErrMiss
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("cache read: %w", err)
	}
	buf := append([]byte(nil), val...)
	closer.Close()

	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil || snap.Thread.ID != threadID {
		// corrupt or mismatched snapshots are dropped, never surfaced
		logger.Warn("cache_snapshot_discarded", "thread", threadID, "error", err)
		p.db.Delete(snapshotKey(threadID), pebble.Sync)
		telemetry.CacheOps.WithLabelValues("discard").Inc()
		return Snapshot{}, ErrMiss
	}
	telemetry.CacheOps.WithLabelValues("hit").Inc()
	return snap, nil
}

func (p *Pebble) Persist(_ context.Context, snap Snapshot) error {
	if snap.Thread.ID.IsZero() {
		return fmt.Errorf("snapshot missing thread id")
	}
	snap.Messages = Trim(snap.Messages, p.limit)
	if snap.SavedAt == "" {
		snap.SavedAt = models.NowStamp()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return p.db.Set(snapshotKey(snap.Thread.ID), b, pebble.Sync)
}

func (p *Pebble) Drop(_ context.Context, threadID models.Ident) error {
	return p.db.Delete(snapshotKey(threadID), pebble.Sync)
}

func (p *Pebble) Threads(_ context.Context) ([]models.Ident, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("thread:"),
		UpperBound: []byte("thread;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Ident
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		id := strings.TrimSuffix(strings.TrimPrefix(key, "thread:"), ":snapshot")
		if id != key {
			out = append(out, models.Ident(id))
		}
	}
	return out, iter.Error()
}

func (p *Pebble) Close() error { return p.db.Close() }
