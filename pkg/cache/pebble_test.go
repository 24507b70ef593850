package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
)

func init() { logger.Init() }

func openTestPebble(t *testing.T, limit int) *Pebble {
	t.Helper()
	p, err := OpenPebble(t.TempDir(), limit)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func snapFor(threadID models.Ident, n int) Snapshot {
	snap := Snapshot{Thread: models.Thread{ID: threadID, Participants: []models.Ident{"u1", "u2"}}}
	for i := 1; i <= n; i++ {
		body := fmt.Sprintf("m%d", i)
		snap.Messages = append(snap.Messages, models.Message{
			ID:       models.Ident(strconv.Itoa(i)),
			ThreadID: threadID,
			SenderID: "u1",
			Body:     &body,
		})
	}
	return snap
}

func TestPebbleMissThenRoundtrip(t *testing.T) {
	p := openTestPebble(t, 200)
	ctx := context.Background()

	if _, err := p.Hydrate(ctx, "t1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("hydrate empty cache: %v", err)
	}
	if err := p.Persist(ctx, snapFor("t1", 3)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	snap, err := p.Hydrate(ctx, "t1")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if snap.Thread.ID != "t1" || len(snap.Messages) != 3 {
		t.Fatalf("snapshot = thread %q, %d messages", snap.Thread.ID, len(snap.Messages))
	}
	if snap.SavedAt == "" {
		t.Fatal("persist did not stamp saved_at")
	}
}

func TestPebblePersistTrimsToNewest(t *testing.T) {
	p := openTestPebble(t, 5)
	ctx := context.Background()

	if err := p.Persist(ctx, snapFor("t1", 12)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	snap, err := p.Hydrate(ctx, "t1")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(snap.Messages) != 5 {
		t.Fatalf("trimmed to %d, want 5", len(snap.Messages))
	}
	if snap.Messages[0].ID != "8" || snap.Messages[4].ID != "12" {
		t.Fatalf("kept wrong window: %s..%s", snap.Messages[0].ID, snap.Messages[4].ID)
	}
}

func TestPebbleSkipsEchoesAndFailures(t *testing.T) {
	p := openTestPebble(t, 200)
	ctx := context.Background()

	snap := snapFor("t1", 2)
	snap.Messages = append(snap.Messages,
		models.Message{ID: models.PendingID, ThreadID: "t1", ClientMsgID: "cm-1"},
		models.Message{ID: "9", ThreadID: "t1", Delivery: models.DeliveryFailed},
	)
	if err := p.Persist(ctx, snap); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := p.Hydrate(ctx, "t1")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("cached %d messages, want 2 (no echoes, no failures)", len(got.Messages))
	}
}

func TestPebbleDiscardsCorruptSnapshot(t *testing.T) {
	p := openTestPebble(t, 200)
	ctx := context.Background()

	if err := p.db.Set(snapshotKey("t1"), []byte("{not json"), pebble.Sync); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}
	if _, err := p.Hydrate(ctx, "t1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("corrupt snapshot surfaced: %v", err)
	}
	// the corrupt key must be gone, not retried forever
	if _, closer, err := p.db.Get(snapshotKey("t1")); !errors.Is(err, pebble.ErrNotFound) {
		if closer != nil {
			closer.Close()
		}
		t.Fatalf("corrupt key still present: %v", err)
	}
}

func TestPebbleThreadsListsSnapshots(t *testing.T) {
	p := openTestPebble(t, 200)
	ctx := context.Background()

	for _, id := range []models.Ident{"t1", "t2", "t3"} {
		if err := p.Persist(ctx, snapFor(id, 1)); err != nil {
			t.Fatalf("persist %s: %v", id, err)
		}
	}
	ids, err := p.Threads(ctx)
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("listed %d threads, want 3", len(ids))
	}
}

func TestSweeperDropsOnlyExpired(t *testing.T) {
	p := openTestPebble(t, 200)
	ctx := context.Background()

	old := snapFor("t1", 1)
	old.SavedAt = time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if err := p.Persist(ctx, old); err != nil {
		t.Fatalf("persist old: %v", err)
	}
	if err := p.Persist(ctx, snapFor("t2", 1)); err != nil {
		t.Fatalf("persist fresh: %v", err)
	}

	NewSweeper(p, "0 2 * * *", 24*time.Hour).Sweep(ctx)

	if _, err := p.Hydrate(ctx, "t1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired snapshot survived the sweep: %v", err)
	}
	if _, err := p.Hydrate(ctx, "t2"); err != nil {
		t.Fatalf("fresh snapshot dropped: %v", err)
	}
}
