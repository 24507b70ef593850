// Package cache persists per-thread conversation snapshots so a thread
// opens instantly from local state while the network catch-up runs. The
// cache is advisory: a missing, stale or corrupt snapshot only costs a
// network round-trip, so every failure path degrades to a miss.
package cache

import (
	"context"
	"errors"

	"dmsync/pkg/models"
)

// ErrMiss is returned when no usable snapshot exists for a thread.
var ErrMiss = errors.New("cache miss")

// Snapshot is the cached state of one thread: its newest messages in
// chronological order plus the metadata needed to render the header
// before any network traffic.
type Snapshot struct {
	Thread   models.Thread    `json:"thread"`
	Messages []models.Message `json:"messages"`
	SavedAt  string           `json:"saved_at"`
}

// Cache is the snapshot store contract. Persist overwrites; Hydrate
// returns ErrMiss for absent or discarded snapshots.
type Cache interface {
	Hydrate(ctx context.Context, threadID models.Ident) (Snapshot, error)
	Persist(ctx context.Context, snap Snapshot) error
	Drop(ctx context.Context, threadID models.Ident) error
	// Threads lists the thread ids currently holding snapshots; the
	// retention sweep iterates it.
	Threads(ctx context.Context) ([]models.Ident, error)
	Close() error
}

// Trim caps a snapshot's message list to the newest limit entries.
// Echoes and failed sends are never cached; they are process state.
func Trim(msgs []models.Message, limit int) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsEcho() || m.Delivery == models.DeliveryFailed {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
