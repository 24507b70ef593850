package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/store"
)

// changeFrame is a row-change notification from the changefeed socket.
type changeFrame struct {
	Kind      ChangeKind      `json:"kind"`
	Table     string          `json:"table"`
	ThreadID  models.Ident    `json:"thread_id"`
	MessageID models.Ident    `json:"message_id,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
}

// Fallback is the degraded delivery path: inbound events come from the
// backend's row changefeed, outbound writes go through the RowStore
// (HTTP or direct database). Typing is not relayed on this path and
// presence is only ever reported as offline.
type Fallback struct {
	feedURL string
	rows    store.RowStore
	self    models.Ident
	dialer  *websocket.Dialer

	state  atomic.Int32
	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[models.Ident]bool
	closed bool
	done   chan struct{}
}

func NewFallback(changefeedURL string, rows store.RowStore, self models.Ident) *Fallback {
	return &Fallback{
		feedURL: changefeedURL,
		rows:    rows,
		self:    self,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:  make(chan Event, 64),
		subs:    map[models.Ident]bool{},
		done:    make(chan struct{}),
	}
}

func (f *Fallback) State() ConnState { return ConnState(f.state.Load()) }

func (f *Fallback) Events() <-chan Event { return f.events }

// Connect opens the changefeed subscription. Outbound writes do not
// depend on the feed, so a send can succeed while the feed is down; the
// manager treats feed loss as a reconnect, not a downgrade.
func (f *Fallback) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.mu.Unlock()

	f.state.Store(int32(StateConnecting))
	conn, _, err := f.dialer.DialContext(ctx, f.feedURL, nil)
	if err != nil {
		f.state.Store(int32(StateError))
		return fmt.Errorf("dial changefeed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	resubs := make([]models.Ident, 0, len(f.subs))
	for id := range f.subs {
		resubs = append(resubs, id)
	}
	f.mu.Unlock()

	f.state.Store(int32(StateAuthenticated))
	logger.Info("fallback_connected", "url", f.feedURL)
	f.events <- Event{Type: EventConnected, Source: "fallback"}

	go f.readPump(conn)

	for _, id := range resubs {
		if err := f.writeSub(conn, "subscribe", id); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fallback) writeSub(conn *websocket.Conn, op string, threadID models.Ident) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(map[string]any{"op": op, "table": "messages", "thread_id": threadID})
}

func (f *Fallback) readPump(conn *websocket.Conn) {
	for {
		var cf changeFrame
		if err := conn.ReadJSON(&cf); err != nil {
			select {
			case <-f.done:
			default:
				logger.Warn("changefeed_read_failed", "error", err)
				if f.state.CompareAndSwap(int32(StateAuthenticated), int32(StateError)) {
					conn.Close()
					select {
					case f.events <- Event{Type: EventError, Source: "fallback", Err: err}:
					case <-f.done:
					}
				}
			}
			return
		}
		if cf.Table != "" && cf.Table != "messages" {
			continue
		}
		ev, ok := f.normalize(cf)
		if !ok {
			continue
		}
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}

func (f *Fallback) normalize(cf changeFrame) (Event, bool) {
	switch cf.Kind {
	case ChangeInsert, ChangeUpdate:
		m, err := models.DecodeMessage(cf.Row)
		if err != nil {
			logger.Warn("changefeed_bad_row", "error", err)
			return Event{}, false
		}
		return Event{Type: EventMessage, ThreadID: m.ThreadID, Message: &m, Change: cf.Kind, Source: "fallback"}, true
	case ChangeDelete:
		m := models.Message{ID: cf.MessageID, ThreadID: cf.ThreadID}
		return Event{Type: EventMessage, ThreadID: cf.ThreadID, Message: &m, Change: ChangeDelete, Source: "fallback"}, true
	default:
		return Event{}, false
	}
}

func (f *Fallback) Subscribe(_ context.Context, threadID models.Ident) error {
	f.mu.Lock()
	f.subs[threadID] = true
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || f.State() != StateAuthenticated {
		return ErrNotConnected
	}
	return f.writeSub(conn, "subscribe", threadID)
}

func (f *Fallback) Unsubscribe(_ context.Context, threadID models.Ident) error {
	f.mu.Lock()
	delete(f.subs, threadID)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || f.State() != StateAuthenticated {
		return nil
	}
	return f.writeSub(conn, "unsubscribe", threadID)
}

// Send persists through the row store. The authoritative row is surfaced
// immediately as a message_persisted event since there is no ack phase
// on this path.
func (f *Fallback) Send(ctx context.Context, msg models.Message) error {
	row, err := f.rows.InsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("fallback persist: %w", err)
	}
	if row.ClientMsgID == "" {
		row.ClientMsgID = msg.ClientMsgID
	}
	ev := Event{Type: EventPersisted, ThreadID: row.ThreadID, Message: &row,
		ClientMsgID: msg.ClientMsgID, Source: "fallback"}
	select {
	case f.events <- ev:
	case <-f.done:
		return ErrClosed
	}
	return nil
}

// Typing is not relayed on the fallback path.
func (f *Fallback) Typing(_ context.Context, threadID models.Ident, _ bool) error {
	logger.Debug("typing_dropped_on_fallback", "thread", threadID)
	return nil
}

// Acknowledge records read cursors through the row store. Delivered
// receipts have no fallback write path and are dropped; the partner
// recovers them from the poll loop.
func (f *Fallback) Acknowledge(ctx context.Context, threadID, upToID models.Ident, status models.DeliveryState) error {
	if status != models.DeliveryRead {
		return nil
	}
	return f.rows.MarkRead(ctx, threadID, f.self, upToID)
}

// Sync answers locally from the row store instead of round-tripping an
// op, emitting the same sync_response event shape the primary produces.
func (f *Fallback) Sync(ctx context.Context, threadID, sinceID models.Ident) error {
	msgs, err := f.rows.MessagesSince(ctx, threadID, sinceID)
	if err != nil {
		return fmt.Errorf("fallback sync: %w", err)
	}
	ev := Event{Type: EventSyncResp, ThreadID: threadID, Messages: msgs, Source: "fallback"}
	select {
	case f.events <- ev:
	case <-f.done:
		return ErrClosed
	}
	return nil
}

func (f *Fallback) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	close(f.done)
	if conn != nil {
		conn.Close()
	}
	f.state.Store(int32(StateDisconnected))
	// events stays open: Send and Sync may be committed to an emit.
	return nil
}
