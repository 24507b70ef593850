// Package threadsync keeps one merged, ordered timeline per tracked
// thread. Opening a thread serves the cached snapshot first and then
// reconciles against the backend; live events, catch-up batches and
// paged history all flow through the same merge so no path can clobber
// state another path produced.
package threadsync

import (
	"context"
	"errors"
	"sync"

	"dmsync/pkg/cache"
	"dmsync/pkg/diag"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/ordering"
	"dmsync/pkg/store"
	"dmsync/pkg/telemetry"
	"dmsync/pkg/transport"
)

// Wire is the slice of the transport layer the controller drives.
type Wire interface {
	Subscribe(ctx context.Context, threadID models.Ident) error
	Unsubscribe(ctx context.Context, threadID models.Ident) error
	Sync(ctx context.Context, threadID, sinceID models.Ident) error
}

// ErrUnknownThread is returned for operations on a thread that was
// never opened.
var ErrUnknownThread = errors.New("thread not open")

type threadState struct {
	thread   models.Thread
	timeline []models.Message
	// noMoreHistory is sticky: once a short page comes back, older
	// loads stop asking the backend.
	noMoreHistory bool
	loadingOlder  bool
	// persisting/dirty coalesce snapshot writes: one writer per thread,
	// rewriting until the timeline stops moving under it.
	persisting bool
	dirty      bool
	// cancel aborts in-flight work when the thread is switched away.
	cancel context.CancelFunc
	ctx    context.Context
}

// Controller owns the per-thread sync state machine.
type Controller struct {
	self     models.Ident
	rows     store.RowStore
	wire     Wire
	snaps    cache.Cache
	pageSize int
	obs      diag.Observer

	mu      sync.Mutex
	threads map[models.Ident]*threadState
	active  models.Ident

	persistWG sync.WaitGroup
}

func New(self models.Ident, rows store.RowStore, wire Wire, snaps cache.Cache, pageSize int, obs diag.Observer) *Controller {
	if obs == nil {
		obs = diag.Nop{}
	}
	return &Controller{
		self:     self,
		rows:     rows,
		wire:     wire,
		snaps:    snaps,
		pageSize: pageSize,
		obs:      obs,
		threads:  map[models.Ident]*threadState{},
	}
}

// Open makes threadID the active thread: cached state is installed
// immediately, in-flight work for the previously active thread is
// cancelled, and a network bootstrap reconciles the timeline. When the
// backend is unreachable the cached timeline is kept and Open still
// succeeds; a thread with neither cache nor network fails.
func (c *Controller) Open(ctx context.Context, threadID models.Ident) ([]models.Message, error) {
	c.mu.Lock()
	if prev, ok := c.threads[c.active]; ok && c.active != threadID {
		prev.cancel()
	}
	st, ok := c.threads[threadID]
	if !ok {
		tctx, cancel := context.WithCancel(context.Background())
		st = &threadState{ctx: tctx, cancel: cancel}
		c.threads[threadID] = st
	} else if st.ctx.Err() != nil {
		// reopened after a switch-away cancelled it
		tctx, cancel := context.WithCancel(context.Background())
		st.ctx, st.cancel = tctx, cancel
	}
	c.active = threadID
	c.mu.Unlock()

	cached := c.hydrate(ctx, threadID, st)

	c.mu.Lock()
	anchor := newestPersisted(st.timeline)
	c.mu.Unlock()

	if err := c.wire.Subscribe(ctx, threadID); err != nil {
		logger.Warn("subscribe_failed", "thread", threadID, "error", err)
	}

	if err := c.bootstrap(st.ctx, threadID, st); err != nil {
		if cached {
			logger.Warn("bootstrap_deferred", "thread", threadID, "error", err)
			c.syncSince(ctx, threadID, anchor, st)
			return c.Timeline(threadID), nil
		}
		return nil, err
	}
	c.syncSince(ctx, threadID, anchor, st)
	return c.Timeline(threadID), nil
}

// syncSince requests everything above the rows that were loaded before
// bootstrap. The bootstrap page only covers the newest window, so a
// stale cached tail would otherwise leave a hole that history paging,
// anchored at the oldest loaded row, can never reach.
func (c *Controller) syncSince(ctx context.Context, threadID, anchor models.Ident, st *threadState) {
	if anchor.IsZero() {
		c.mu.Lock()
		anchor = newestPersisted(st.timeline)
		c.mu.Unlock()
	}
	if anchor.IsZero() {
		return
	}
	if err := c.wire.Sync(ctx, threadID, anchor); err != nil {
		logger.Warn("open_catchup_failed", "thread", threadID, "error", err)
	}
}

func (c *Controller) hydrate(ctx context.Context, threadID models.Ident, st *threadState) bool {
	if c.snaps == nil {
		return false
	}
	snap, err := c.snaps.Hydrate(ctx, threadID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	st.thread = snap.Thread
	st.timeline = ordering.Merge(st.timeline, snap.Messages)
	c.mu.Unlock()
	c.notify(threadID, st)
	logger.Info("thread_hydrated", "thread", threadID, "messages", len(snap.Messages))
	return true
}

func (c *Controller) bootstrap(ctx context.Context, threadID models.Ident, st *threadState) error {
	page, err := c.rows.RecentMessages(ctx, threadID, c.pageSize)
	if err != nil {
		return err
	}
	thread, terr := c.rows.Thread(ctx, threadID)

	c.mu.Lock()
	if ctx.Err() != nil {
		// switched away while the fetch was in flight; discard
		c.mu.Unlock()
		return ctx.Err()
	}
	if terr == nil {
		st.thread = thread
	}
	st.timeline = ordering.Merge(st.timeline, page)
	if len(page) < c.pageSize {
		st.noMoreHistory = true
	}
	c.mu.Unlock()

	telemetry.MergesTotal.Inc()
	c.notify(threadID, st)
	c.persist(threadID, st)
	logger.Info("thread_bootstrapped", "thread", threadID, "page", len(page))
	return nil
}

// LoadOlder fetches one more page of history before the oldest loaded
// message. Concurrent calls for the same thread collapse into one
// fetch; the extra callers see the current timeline and more=true so
// they simply ask again. more=false is terminal for the session.
func (c *Controller) LoadOlder(ctx context.Context, threadID models.Ident) (msgs []models.Message, more bool, err error) {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return nil, false, ErrUnknownThread
	}
	if st.noMoreHistory {
		c.mu.Unlock()
		return c.Timeline(threadID), false, nil
	}
	if st.loadingOlder {
		c.mu.Unlock()
		return c.Timeline(threadID), true, nil
	}
	st.loadingOlder = true
	oldest := oldestPersisted(st.timeline)
	tctx := st.ctx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		st.loadingOlder = false
		c.mu.Unlock()
	}()

	if oldest.IsZero() {
		// nothing persisted yet; an older page cannot be anchored
		return c.Timeline(threadID), true, nil
	}

	page, err := c.rows.MessagesBefore(joinCtx(ctx, tctx), threadID, oldest, c.pageSize)
	if err != nil {
		return c.Timeline(threadID), true, err
	}

	c.mu.Lock()
	st.timeline = ordering.Merge(st.timeline, page)
	if len(page) < c.pageSize {
		st.noMoreHistory = true
	}
	more = !st.noMoreHistory
	c.mu.Unlock()

	telemetry.MergesTotal.Inc()
	c.notify(threadID, st)
	logger.Info("history_page_loaded", "thread", threadID, "page", len(page), "more", more)
	return c.Timeline(threadID), more, nil
}

// CatchUp requests everything newer than the newest persisted message.
// The response arrives as a sync_response event and is merged there, so
// rows that landed while the agent was disconnected fill in without
// disturbing anything already visible.
func (c *Controller) CatchUp(ctx context.Context, threadID models.Ident) error {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownThread
	}
	since := newestPersisted(st.timeline)
	c.mu.Unlock()

	if since.IsZero() {
		return c.bootstrap(st.ctx, threadID, st)
	}
	return c.wire.Sync(ctx, threadID, since)
}

// CatchUpAll runs catch-up for every open thread; called on reconnect.
func (c *Controller) CatchUpAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]models.Ident, 0, len(c.threads))
	for id := range c.threads {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.CatchUp(ctx, id); err != nil {
			logger.Warn("catchup_failed", "thread", id, "error", err)
		}
	}
}

// Apply folds one transport event into the owning thread's timeline.
// Events for threads that are not open are ignored.
func (c *Controller) Apply(ev transport.Event) {
	c.mu.Lock()
	st, ok := c.threads[ev.ThreadID]
	if !ok {
		c.mu.Unlock()
		return
	}

	switch ev.Type {
	case transport.EventMessage:
		if ev.Message == nil {
			c.mu.Unlock()
			return
		}
		if ev.Change == transport.ChangeDelete {
			st.timeline = removeByID(st.timeline, ev.Message.ID)
		} else {
			m := *ev.Message
			// an authoritative own row proves the send reached the store,
			// even when it arrives as a bare changefeed insert
			if m.SenderID == c.self && !m.IsEcho() && m.Delivery == "" {
				m.Delivery = models.DeliverySent
			}
			st.timeline = ordering.ReconcileEcho(st.timeline, m)
		}
	case transport.EventAck, transport.EventPersisted:
		if ev.Message == nil {
			c.mu.Unlock()
			return
		}
		m := *ev.Message
		if m.Delivery == "" {
			m.Delivery = models.DeliverySent
		}
		st.timeline = ordering.ReconcileEcho(st.timeline, m)
	case transport.EventSyncResp:
		st.timeline = ordering.Merge(st.timeline, ev.Messages)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	telemetry.MergesTotal.Inc()
	c.notify(ev.ThreadID, st)
	c.persist(ev.ThreadID, st)
}

// AddEcho inserts a freshly minted local echo at the tail of the
// timeline.
func (c *Controller) AddEcho(echo models.Message) error {
	c.mu.Lock()
	st, ok := c.threads[echo.ThreadID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownThread
	}
	st.timeline = ordering.Merge(st.timeline, []models.Message{echo})
	c.mu.Unlock()
	c.notify(echo.ThreadID, st)
	return nil
}

// MarkEchoFailed flips an echo to the failed state in place, keeping it
// visible so the user can retry or discard it.
func (c *Controller) MarkEchoFailed(threadID models.Ident, failed models.Message) {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.timeline = ordering.Merge(st.timeline, []models.Message{failed})
	c.mu.Unlock()
	c.notify(threadID, st)
}

// RemoveEcho drops a cancelled or superseded echo by client_msg_id.
func (c *Controller) RemoveEcho(threadID models.Ident, clientMsgID string) {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	kept := st.timeline[:0]
	for _, m := range st.timeline {
		if m.IsEcho() && m.ClientMsgID == clientMsgID {
			continue
		}
		kept = append(kept, m)
	}
	st.timeline = kept
	c.mu.Unlock()
	c.notify(threadID, st)
}

// SetDelivery records a delivery-state change for one message. The
// monotonicity decision belongs to the receipts tracker; the controller
// applies whatever it is told.
func (c *Controller) SetDelivery(threadID, messageID models.Ident, state models.DeliveryState) {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	changed := false
	for i := range st.timeline {
		if st.timeline[i].ID == messageID {
			if st.timeline[i].Delivery != state {
				st.timeline[i].Delivery = state
				changed = true
			}
			break
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify(threadID, st)
	}
}

// Timeline returns a copy of the thread's visible timeline.
func (c *Controller) Timeline(threadID models.Ident) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.threads[threadID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), st.timeline...)
}

// Thread returns the metadata loaded for an open thread.
func (c *Controller) Thread(threadID models.Ident) (models.Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.threads[threadID]
	if !ok {
		return models.Thread{}, false
	}
	return st.thread, true
}

// Close stops tracking a thread entirely and unsubscribes it.
func (c *Controller) Close(ctx context.Context, threadID models.Ident) {
	c.mu.Lock()
	st, ok := c.threads[threadID]
	if ok {
		st.cancel()
		delete(c.threads, threadID)
		if c.active == threadID {
			c.active = ""
		}
	}
	c.mu.Unlock()
	if ok {
		if err := c.wire.Unsubscribe(ctx, threadID); err != nil {
			logger.Warn("unsubscribe_failed", "thread", threadID, "error", err)
		}
	}
}

func (c *Controller) notify(threadID models.Ident, st *threadState) {
	c.mu.Lock()
	visible := len(st.timeline)
	pending := 0
	for _, m := range st.timeline {
		if m.IsEcho() {
			pending++
		}
	}
	c.mu.Unlock()
	c.obs.TimelineChanged(threadID, visible, pending)
}

// persist schedules a snapshot write off the caller's goroutine so live
// event handling never waits on the cache. Writes for one thread
// coalesce: the single writer re-reads the timeline until it stops
// moving.
func (c *Controller) persist(threadID models.Ident, st *threadState) {
	if c.snaps == nil {
		return
	}
	c.mu.Lock()
	if st.persisting {
		st.dirty = true
		c.mu.Unlock()
		return
	}
	st.persisting = true
	c.mu.Unlock()

	c.persistWG.Add(1)
	go c.persistLoop(threadID, st)
}

func (c *Controller) persistLoop(threadID models.Ident, st *threadState) {
	defer c.persistWG.Done()
	for {
		c.mu.Lock()
		st.dirty = false
		snap := cache.Snapshot{
			Thread:   st.thread,
			Messages: append([]models.Message(nil), st.timeline...),
		}
		c.mu.Unlock()
		if snap.Thread.ID.IsZero() {
			snap.Thread.ID = threadID
		}
		if err := c.snaps.Persist(context.Background(), snap); err != nil {
			logger.Warn("cache_persist_failed", "thread", threadID, "error", err)
		}
		c.mu.Lock()
		if !st.dirty {
			st.persisting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// Drain blocks until queued snapshot writes have settled; call before
// closing the cache.
func (c *Controller) Drain() {
	c.persistWG.Wait()
}

func oldestPersisted(timeline []models.Message) models.Ident {
	for _, m := range timeline {
		if !m.IsEcho() {
			return m.ID
		}
	}
	return ""
}

func newestPersisted(timeline []models.Message) models.Ident {
	for i := len(timeline) - 1; i >= 0; i-- {
		if !timeline[i].IsEcho() {
			return timeline[i].ID
		}
	}
	return ""
}

func removeByID(timeline []models.Message, id models.Ident) []models.Message {
	kept := timeline[:0]
	for _, m := range timeline {
		if m.ID == id {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// joinCtx prefers the caller's context but falls back to the thread
// context so a switch-away still cancels the fetch.
func joinCtx(caller, thread context.Context) context.Context {
	if caller != nil && caller != context.Background() {
		return caller
	}
	return thread
}
