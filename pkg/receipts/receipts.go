// Package receipts derives each outbound message's delivery state from
// three unequal sources: live acknowledgment events, polled receipt
// rows and the partner's read cursor on the thread. Whatever the source
// order, a message's state only ever moves forward through
// sent < delivered < read.
package receipts

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/store"
	"dmsync/pkg/telemetry"
)

// Acker is the slice of the transport layer used to report the local
// user's receipts upstream.
type Acker interface {
	Acknowledge(ctx context.Context, threadID, upToID models.Ident, status models.DeliveryState) error
}

// ApplyFunc pushes an accepted delivery-state change into the timeline.
type ApplyFunc func(threadID, messageID models.Ident, state models.DeliveryState)

type threadReceipts struct {
	// states holds the highest-ranked state seen per own message.
	states map[models.Ident]models.DeliveryState
	// screened caches MessageExists answers so foreign or unknown ids
	// are checked against the store at most once.
	screened map[models.Ident]bool
	// pendingRead is the newest not-yet-flushed outgoing read cursor.
	pendingRead models.Ident
	// sentRead is the optimistic record of what was already reported.
	sentRead models.Ident
	timer    *time.Timer
}

// Tracker owns receipt state for all tracked threads.
type Tracker struct {
	self     models.Ident
	rows     store.RowStore
	wire     Acker
	apply    ApplyFunc
	poll     time.Duration
	debounce time.Duration
	limiter  *rate.Limiter

	mu      sync.Mutex
	threads map[models.Ident]*threadReceipts
}

func New(selfID models.Ident, rows store.RowStore, wire Acker, apply ApplyFunc, poll, debounce time.Duration) *Tracker {
	if apply == nil {
		apply = func(models.Ident, models.Ident, models.DeliveryState) {}
	}
	return &Tracker{
		self:     selfID,
		rows:     rows,
		wire:     wire,
		apply:    apply,
		poll:     poll,
		debounce: debounce,
		// upstream read reports never exceed a small steady rate even if
		// the debounce windows line up across many threads
		limiter: rate.NewLimiter(rate.Every(debounce), 4),
		threads: map[models.Ident]*threadReceipts{},
	}
}

// Track starts receipt bookkeeping for a thread.
func (t *Tracker) Track(threadID models.Ident) {
	t.mu.Lock()
	if _, ok := t.threads[threadID]; !ok {
		t.threads[threadID] = &threadReceipts{
			states:   map[models.Ident]models.DeliveryState{},
			screened: map[models.Ident]bool{},
		}
	}
	t.mu.Unlock()
}

// Untrack drops a thread's receipt state.
func (t *Tracker) Untrack(threadID models.Ident) {
	t.mu.Lock()
	if tr, ok := t.threads[threadID]; ok {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		delete(t.threads, threadID)
	}
	t.mu.Unlock()
}

// State reports the tracked delivery state of one message.
func (t *Tracker) State(threadID, messageID models.Ident) models.DeliveryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.threads[threadID]
	if !ok {
		return ""
	}
	return tr.states[messageID]
}

// Observe feeds one delivery-state report into the tracker. Reports
// about messages that do not exist or were not authored by the local
// user are discarded after a single screening query; regressions and
// repeats are discarded by rank. Returns whether the state advanced.
func (t *Tracker) Observe(ctx context.Context, threadID, messageID models.Ident, state models.DeliveryState) bool {
	if state.Rank() == 0 {
		return false
	}
	t.mu.Lock()
	tr, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	ours, checked := tr.screened[messageID]
	t.mu.Unlock()

	if !checked {
		exists, err := t.rows.MessageExists(ctx, messageID, t.self)
		if err != nil {
			// leave unscreened so a later report retries the check
			logger.Warn("receipt_screen_failed", "message", messageID, "error", err)
			return false
		}
		t.mu.Lock()
		tr.screened[messageID] = exists
		t.mu.Unlock()
		ours = exists
	}
	if !ours {
		logger.Debug("receipt_for_foreign_message", "thread", threadID, "message", messageID)
		return false
	}

	t.mu.Lock()
	cur := tr.states[messageID]
	if state.Rank() <= cur.Rank() {
		t.mu.Unlock()
		// equal-rank reports are plain duplicates, not regressions
		if state.Rank() < cur.Rank() {
			telemetry.ReceiptRegressions.Inc()
		}
		return false
	}
	tr.states[messageID] = state
	t.mu.Unlock()

	t.apply(threadID, messageID, state)
	return true
}

// MarkRead records that the local user has read the thread up to and
// including upToID. The timeline is updated optimistically; the
// upstream report is debounced so burst scrolling produces one call.
func (t *Tracker) MarkRead(threadID, upToID models.Ident) {
	t.mu.Lock()
	tr, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if !idLess(tr.pendingRead, upToID) && tr.pendingRead != "" {
		t.mu.Unlock()
		return
	}
	if !idLess(tr.sentRead, upToID) && tr.sentRead != "" {
		t.mu.Unlock()
		return
	}
	tr.pendingRead = upToID
	if tr.timer == nil {
		tr.timer = time.AfterFunc(t.debounce, func() { t.flushRead(threadID) })
	}
	t.mu.Unlock()
}

func (t *Tracker) flushRead(threadID models.Ident) {
	t.mu.Lock()
	tr, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return
	}
	upTo := tr.pendingRead
	tr.pendingRead = ""
	tr.timer = nil
	if upTo == "" || (!idLess(tr.sentRead, upTo) && tr.sentRead != "") {
		t.mu.Unlock()
		return
	}
	tr.sentRead = upTo
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.limiter.Wait(ctx); err != nil {
		return
	}
	if err := t.wire.Acknowledge(ctx, threadID, upTo, models.DeliveryRead); err != nil {
		logger.Warn("read_report_failed", "thread", threadID, "up_to", upTo, "error", err)
		// roll back the optimistic record so a later MarkRead retries
		t.mu.Lock()
		if tr, ok := t.threads[threadID]; ok && tr.sentRead == upTo {
			tr.sentRead = ""
		}
		t.mu.Unlock()
		return
	}
	logger.Debug("read_reported", "thread", threadID, "up_to", upTo)
}

// Poll runs one reconciliation pass for a thread: receipt rows for own
// messages, then the partner's read cursor.
func (t *Tracker) Poll(ctx context.Context, threadID models.Ident) {
	recs, err := t.rows.Receipts(ctx, threadID, t.self)
	if err != nil {
		logger.Warn("receipt_poll_failed", "thread", threadID, "error", err)
	} else {
		for _, r := range recs {
			// rows from Receipts are pre-filtered to own messages
			t.markScreened(threadID, r.MessageID)
			t.Observe(ctx, threadID, r.MessageID, r.Status)
		}
	}

	thread, err := t.rows.Thread(ctx, threadID)
	if err != nil {
		return
	}
	partner := thread.Partner(t.self)
	cursor, ok := thread.LastRead[partner]
	if !ok || cursor.IsZero() {
		return
	}
	t.applyReadCursor(ctx, threadID, cursor)
}

// applyReadCursor upgrades every own tracked message at or below the
// partner's cursor to read.
func (t *Tracker) applyReadCursor(ctx context.Context, threadID, cursor models.Ident) {
	t.mu.Lock()
	tr, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ids := make([]models.Ident, 0, len(tr.states))
	for id := range tr.states {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if !idLess(cursor, id) {
			t.Observe(ctx, threadID, id, models.DeliveryRead)
		}
	}
}

func (t *Tracker) markScreened(threadID, messageID models.Ident) {
	t.mu.Lock()
	if tr, ok := t.threads[threadID]; ok {
		tr.screened[messageID] = true
	}
	t.mu.Unlock()
}

// Seen primes the tracker with a just-persisted own message so the
// cursor pass can pick it up without a screening query.
func (t *Tracker) Seen(threadID, messageID models.Ident) {
	t.mu.Lock()
	if tr, ok := t.threads[threadID]; ok {
		tr.screened[messageID] = true
		if _, held := tr.states[messageID]; !held {
			tr.states[messageID] = models.DeliverySent
		}
	}
	t.mu.Unlock()
}

// Run polls all tracked threads on the configured interval until ctx
// is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			ids := make([]models.Ident, 0, len(t.threads))
			for id := range t.threads {
				ids = append(ids, id)
			}
			t.mu.Unlock()
			for _, id := range ids {
				t.Poll(ctx, id)
			}
		}
	}
}

// idLess orders ids numerically when both parse, lexically otherwise.
func idLess(a, b models.Ident) bool {
	an, aerr := strconv.ParseInt(a.String(), 10, 64)
	bn, berr := strconv.ParseInt(b.String(), 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a.String() < b.String()
}
