package receipts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/store"
	"dmsync/pkg/telemetry"
)

func init() { logger.Init() }

type ackCall struct {
	thread models.Ident
	upTo   models.Ident
	status models.DeliveryState
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcker) Acknowledge(_ context.Context, threadID, upToID models.Ident, status models.DeliveryState) error {
	f.mu.Lock()
	f.calls = append(f.calls, ackCall{threadID, upToID, status})
	f.mu.Unlock()
	return nil
}

func (f *fakeAcker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type applied struct {
	message models.Ident
	state   models.DeliveryState
}

type recorder struct {
	mu   sync.Mutex
	rows []applied
}

func (r *recorder) apply(_, messageID models.Ident, state models.DeliveryState) {
	r.mu.Lock()
	r.rows = append(r.rows, applied{messageID, state})
	r.mu.Unlock()
}

func newTestTracker(t *testing.T, rows *store.Memory) (*Tracker, *fakeAcker, *recorder) {
	t.Helper()
	acker := &fakeAcker{}
	rec := &recorder{}
	tr := New("u1", rows, acker, rec.apply, 5*time.Second, 20*time.Millisecond)
	tr.Track("t1")
	return tr, acker, rec
}

func seedOwnMessage(rows *store.Memory) models.Message {
	return rows.Seed(models.Message{ThreadID: "t1", SenderID: "u1"})
}

func TestStateNeverRegresses(t *testing.T) {
	rows := store.NewMemory()
	msg := seedOwnMessage(rows)
	tr, _, _ := newTestTracker(t, rows)
	ctx := context.Background()

	if !tr.Observe(ctx, "t1", msg.ID, models.DeliveryRead) {
		t.Fatal("read not applied")
	}
	// a late delivered report must not pull the state back
	if tr.Observe(ctx, "t1", msg.ID, models.DeliveryDelivered) {
		t.Fatal("delivered applied after read")
	}
	if got := tr.State("t1", msg.ID); got != models.DeliveryRead {
		t.Fatalf("state = %q, want read", got)
	}
}

func TestDuplicateReportChangesStateOnce(t *testing.T) {
	rows := store.NewMemory()
	msg := seedOwnMessage(rows)
	tr, _, rec := newTestTracker(t, rows)
	ctx := context.Background()

	if !tr.Observe(ctx, "t1", msg.ID, models.DeliveryDelivered) {
		t.Fatal("first delivered not applied")
	}
	if tr.Observe(ctx, "t1", msg.ID, models.DeliveryDelivered) {
		t.Fatal("duplicate delivered applied")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rows) != 1 {
		t.Fatalf("timeline updated %d times, want 1", len(rec.rows))
	}
}

func TestRegressionMetricIgnoresDuplicates(t *testing.T) {
	rows := store.NewMemory()
	msg := seedOwnMessage(rows)
	tr, _, _ := newTestTracker(t, rows)
	ctx := context.Background()

	if !tr.Observe(ctx, "t1", msg.ID, models.DeliveryDelivered) {
		t.Fatal("delivered not applied")
	}
	base := testutil.ToFloat64(telemetry.ReceiptRegressions)

	// an equal-rank duplicate is not a regression
	tr.Observe(ctx, "t1", msg.ID, models.DeliveryDelivered)
	if got := testutil.ToFloat64(telemetry.ReceiptRegressions); got != base {
		t.Fatalf("duplicate counted as regression: %v -> %v", base, got)
	}

	// a lower-rank report is
	tr.Observe(ctx, "t1", msg.ID, models.DeliverySent)
	if got := testutil.ToFloat64(telemetry.ReceiptRegressions); got != base+1 {
		t.Fatalf("regression not counted: %v -> %v", base, got)
	}
}

func TestForeignAndUnknownMessagesScreenedOut(t *testing.T) {
	rows := store.NewMemory()
	partner := rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})
	tr, _, _ := newTestTracker(t, rows)
	ctx := context.Background()

	if tr.Observe(ctx, "t1", partner.ID, models.DeliveryDelivered) {
		t.Fatal("receipt for the partner's message applied")
	}
	if tr.Observe(ctx, "t1", "9999", models.DeliveryDelivered) {
		t.Fatal("receipt for an unknown message applied")
	}
}

func TestPollMergesReceiptRowsAndReadCursor(t *testing.T) {
	rows := store.NewMemory()
	first := seedOwnMessage(rows)
	second := seedOwnMessage(rows)
	rows.SeedThread(models.Thread{
		ID:           "t1",
		Participants: []models.Ident{"u1", "u2"},
		LastRead:     map[models.Ident]models.Ident{"u2": first.ID},
	})
	rows.AddReceipt("t1", models.Receipt{MessageID: second.ID, UserID: "u2", Status: models.DeliveryDelivered})

	tr, _, _ := newTestTracker(t, rows)
	tr.Seen("t1", first.ID)
	tr.Seen("t1", second.ID)

	tr.Poll(context.Background(), "t1")

	if got := tr.State("t1", first.ID); got != models.DeliveryRead {
		t.Fatalf("first = %q, want read via partner cursor", got)
	}
	if got := tr.State("t1", second.ID); got != models.DeliveryDelivered {
		t.Fatalf("second = %q, want delivered via receipt row", got)
	}
}

func TestMarkReadDebouncesBursts(t *testing.T) {
	rows := store.NewMemory()
	for i := 0; i < 5; i++ {
		rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})
	}
	tr, acker, _ := newTestTracker(t, rows)

	// scrolling through five messages in quick succession
	for _, id := range []models.Ident{"1", "2", "3", "4", "5"} {
		tr.MarkRead("t1", id)
	}

	deadline := time.After(2 * time.Second)
	for acker.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("read report never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.calls) != 1 {
		t.Fatalf("upstream reports = %d, want 1", len(acker.calls))
	}
	if acker.calls[0].upTo != "5" || acker.calls[0].status != models.DeliveryRead {
		t.Fatalf("report = %+v", acker.calls[0])
	}
}

func TestMarkReadRepeatIsIdempotent(t *testing.T) {
	rows := store.NewMemory()
	rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})
	tr, acker, _ := newTestTracker(t, rows)

	tr.MarkRead("t1", "1")
	deadline := time.After(2 * time.Second)
	for acker.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("first report never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// the same cursor again must not produce another upstream call
	tr.MarkRead("t1", "1")
	time.Sleep(100 * time.Millisecond)
	if got := acker.count(); got != 1 {
		t.Fatalf("upstream reports = %d after repeat, want 1", got)
	}
}
