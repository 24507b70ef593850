// Package app wires the engine together: row store, transports, echo
// outbox, thread controller, receipt tracker and snapshot cache, driven
// by one event loop that fans transport events out to the components.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dmsync/pkg/cache"
	"dmsync/pkg/config"
	"dmsync/pkg/diag"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/outbox"
	"dmsync/pkg/receipts"
	"dmsync/pkg/session"
	"dmsync/pkg/state"
	"dmsync/pkg/store"
	"dmsync/pkg/telemetry"
	"dmsync/pkg/threadsync"
	"dmsync/pkg/transport"
)

// Engine is the assembled synchronization core for one user session.
type Engine struct {
	cfg  *config.Config
	self models.Ident

	rows    store.RowStore
	manager *transport.Manager
	box     *outbox.Outbox
	ctrl    *threadsync.Controller
	recs    *receipts.Tracker
	snaps   cache.Cache
	sweeper *cache.Sweeper
	rec     *diag.Recorder

	notif  chan transport.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeRows func()
}

// New assembles an engine from the effective configuration. Nothing is
// connected yet; call Start.
func New(cfg *config.Config, selfID models.Ident) (*Engine, error) {
	if selfID.IsZero() {
		return nil, fmt.Errorf("self user id required")
	}
	if err := state.EnsureStateDirs(cfg.Cache.Path); err != nil {
		return nil, fmt.Errorf("prepare state dirs: %w", err)
	}

	tokens := session.Static(cfg.Backend.Token)

	rows, closeRows, err := buildRowStore(cfg, tokens)
	if err != nil {
		return nil, err
	}

	snaps, err := buildCache(cfg)
	if err != nil {
		closeRows()
		return nil, err
	}

	rec := diag.NewRecorder(cfg.Cache.Path)

	primary := transport.NewPrimary(cfg.Backend.ChannelURL, tokens)
	fallback := transport.NewFallback(cfg.Backend.ChangefeedURL, rows, selfID)
	manager := transport.NewManager(primary, fallback)

	box := outbox.New(manager, cfg.WatchdogFirst(), cfg.WatchdogNext(), cfg.Send.MaxAttempts)
	ctrl := threadsync.New(selfID, rows, manager, snaps, cfg.Sync.PageSize, rec)
	recs := receipts.New(selfID, rows, manager, ctrl.SetDelivery, cfg.ReceiptPoll(), cfg.ReadDebounce())

	var sweeper *cache.Sweeper
	if cfg.Cache.RetentionCron != "" {
		sweeper = cache.NewSweeper(snaps, cfg.Cache.RetentionCron,
			time.Duration(cfg.Cache.Redis.TTLHours)*time.Hour)
	}

	return &Engine{
		cfg:       cfg,
		self:      selfID,
		rows:      rows,
		manager:   manager,
		box:       box,
		ctrl:      ctrl,
		recs:      recs,
		snaps:     snaps,
		sweeper:   sweeper,
		rec:       rec,
		notif:     make(chan transport.Event, 64),
		closeRows: closeRows,
	}, nil
}

func buildRowStore(cfg *config.Config, tokens session.TokenSource) (store.RowStore, func(), error) {
	if dsn := cfg.Backend.PostgresDSN; dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := store.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("row_store_selected", "kind", "postgres")
		return pg, pg.Close, nil
	}
	if cfg.Backend.BaseURL != "" {
		logger.Info("row_store_selected", "kind", "rest", "base_url", cfg.Backend.BaseURL)
		return store.NewREST(cfg.Backend.BaseURL, cfg.Backend.APIKey, tokens), func() {}, nil
	}
	return nil, nil, fmt.Errorf("no row store configured: set backend.base_url or backend.postgres_dsn")
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ttl := time.Duration(cfg.Cache.Redis.TTLHours) * time.Hour
		return cache.OpenRedis(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password,
			cfg.Cache.Redis.DB, cfg.Cache.Limit, ttl)
	case "pebble", "":
		return cache.OpenPebble(state.Resolve(cfg.Cache.Path).Snapshots, cfg.Cache.Limit)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// Diagnostics exposes the observer for HTTP registration.
func (e *Engine) Diagnostics() *diag.Recorder { return e.rec }

// Start connects the transport and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.manager.Connect(ctx); err != nil {
		// the engine still serves cached threads while retrying
		logger.Warn("initial_connect_failed", "error", err)
		e.wg.Add(1)
		go e.reconnectLoop(runCtx)
	} else {
		e.rec.TransportChanged(activePath(e.manager), "authenticated")
	}

	e.wg.Add(2)
	go e.eventLoop(runCtx)
	go e.outboxLoop(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recs.Run(runCtx)
	}()

	if e.sweeper != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sweeper.Run(runCtx)
		}()
	}
	return nil
}

func activePath(m *transport.Manager) string {
	if m.Downgraded() {
		return "fallback"
	}
	return "primary"
}

func (e *Engine) reconnectLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := e.manager.Connect(dialCtx)
		cancel()
		if err == nil {
			e.rec.TransportChanged(activePath(e.manager), "authenticated")
			return
		}
		logger.Warn("reconnect_failed", "error", err)
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.manager.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		e.rec.TransportChanged(ev.Source, "authenticated")
		if e.cfg.Sync.CatchupOnConn {
			e.ctrl.CatchUpAll(ctx)
		}
	case transport.EventError:
		e.rec.TransportChanged(ev.Source, "error")
	case transport.EventMessage:
		e.ctrl.Apply(ev)
		if ev.Message == nil {
			return
		}
		if ev.Message.SenderID == e.self {
			// own row surfacing through either path settles the echo
			if ev.Message.ClientMsgID != "" && e.box.Resolve(ev.Message.ClientMsgID) {
				telemetry.SendsTotal.WithLabelValues(ev.Source, "persisted").Inc()
			}
			e.recs.Seen(ev.ThreadID, ev.Message.ID)
			return
		}
		// a partner message landing while the thread is open is
		// delivered by definition
		if ev.Change != transport.ChangeDelete {
			if err := e.manager.Acknowledge(ctx, ev.ThreadID, ev.Message.ID, models.DeliveryDelivered); err != nil {
				logger.Debug("delivered_ack_failed", "thread", ev.ThreadID, "error", err)
			}
		}
	case transport.EventAck, transport.EventPersisted:
		e.ctrl.Apply(ev)
		if ev.ClientMsgID != "" && e.box.Resolve(ev.ClientMsgID) {
			telemetry.SendsTotal.WithLabelValues(ev.Source, "persisted").Inc()
		}
		if ev.Message != nil {
			e.recs.Seen(ev.ThreadID, ev.Message.ID)
		}
	case transport.EventSyncResp:
		e.ctrl.Apply(ev)
		for i := range ev.Messages {
			m := &ev.Messages[i]
			if m.SenderID == e.self {
				if m.ClientMsgID != "" {
					e.box.Resolve(m.ClientMsgID)
				}
				e.recs.Seen(ev.ThreadID, m.ID)
			}
		}
	case transport.EventTyping, transport.EventPresence:
		select {
		case e.notif <- ev:
		default:
			// presence is advisory; drop rather than block the loop
		}
	}
}

func (e *Engine) outboxLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-e.box.Updates():
			if !ok {
				return
			}
			if u.State == models.DeliveryFailed {
				e.ctrl.MarkEchoFailed(u.Message.ThreadID, u.Message)
			}
		}
	}
}

// Notifications streams typing and presence events to the embedder.
func (e *Engine) Notifications() <-chan transport.Event { return e.notif }

// OpenThread makes the thread active and returns its visible timeline.
func (e *Engine) OpenThread(ctx context.Context, threadID models.Ident) ([]models.Message, error) {
	msgs, err := e.ctrl.Open(ctx, threadID)
	if err != nil {
		return nil, err
	}
	e.recs.Track(threadID)
	for _, m := range msgs {
		if m.SenderID == e.self && !m.IsEcho() {
			e.recs.Seen(threadID, m.ID)
		}
	}
	return msgs, nil
}

// CloseThread stops tracking a thread.
func (e *Engine) CloseThread(ctx context.Context, threadID models.Ident) {
	e.ctrl.Close(ctx, threadID)
	e.recs.Untrack(threadID)
}

// SendMessage mints a local echo, shows it and submits it.
func (e *Engine) SendMessage(ctx context.Context, threadID models.Ident, body *string, attachments []models.Attachment) (models.Message, error) {
	echo, err := e.box.Send(ctx, threadID, e.self, body, attachments)
	if err != nil {
		return models.Message{}, err
	}
	if err := e.ctrl.AddEcho(echo); err != nil {
		e.box.Cancel(echo.ClientMsgID)
		return models.Message{}, err
	}
	return echo, nil
}

// RetrySend resubmits a failed echo under a fresh identity.
func (e *Engine) RetrySend(ctx context.Context, failed models.Message) (models.Message, error) {
	fresh, err := e.box.Retry(ctx, failed)
	if err != nil {
		return models.Message{}, err
	}
	e.ctrl.RemoveEcho(failed.ThreadID, failed.ClientMsgID)
	if err := e.ctrl.AddEcho(fresh); err != nil {
		e.box.Cancel(fresh.ClientMsgID)
		return models.Message{}, err
	}
	return fresh, nil
}

// CancelSend withdraws a pending or failed echo.
func (e *Engine) CancelSend(threadID models.Ident, clientMsgID string) {
	e.box.Cancel(clientMsgID)
	e.ctrl.RemoveEcho(threadID, clientMsgID)
}

// LoadOlder pages history backwards for an open thread.
func (e *Engine) LoadOlder(ctx context.Context, threadID models.Ident) ([]models.Message, bool, error) {
	return e.ctrl.LoadOlder(ctx, threadID)
}

// Timeline returns the current visible timeline of an open thread.
func (e *Engine) Timeline(threadID models.Ident) []models.Message {
	return e.ctrl.Timeline(threadID)
}

// MarkRead records the local read position; the upstream report is
// debounced.
func (e *Engine) MarkRead(threadID, upToID models.Ident) {
	e.recs.MarkRead(threadID, upToID)
}

// Typing relays the local typing state on the active path.
func (e *Engine) Typing(ctx context.Context, threadID models.Ident, typing bool) error {
	return e.manager.Typing(ctx, threadID, typing)
}

// Shutdown stops loops and releases resources.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.manager.Close()
	e.box.Close()
	e.wg.Wait()
	e.ctrl.Drain()
	if e.snaps != nil {
		e.snaps.Close()
	}
	if e.closeRows != nil {
		e.closeRows()
	}
	logger.Info("engine_stopped")
}
