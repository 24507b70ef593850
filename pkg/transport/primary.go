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
	"dmsync/pkg/session"
)

const (
	primaryWriteWait = 10 * time.Second
	primaryPongWait  = 60 * time.Second
	primaryPingEvery = (primaryPongWait * 9) / 10
)

// frame is the wire shape of the primary channel: a small op envelope
// with a raw payload decoded per op.
type frame struct {
	Op          string          `json:"op"`
	ThreadID    models.Ident    `json:"thread_id,omitempty"`
	UserID      models.Ident    `json:"user_id,omitempty"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Typing      bool            `json:"typing,omitempty"`
	Online      bool            `json:"online,omitempty"`
	SinceID     models.Ident    `json:"since_id,omitempty"`
	UpToID      models.Ident    `json:"up_to_id,omitempty"`
	Token       string          `json:"token,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
}

// Primary is the bidirectional websocket channel. A single writer
// goroutine owns all conn writes; the reader normalizes inbound frames
// into Events.
type Primary struct {
	url    string
	tokens session.TokenSource
	dialer *websocket.Dialer

	state  atomic.Int32
	events chan Event
	send   chan frame

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[models.Ident]bool
	closed bool
	done   chan struct{}
}

func NewPrimary(channelURL string, tokens session.TokenSource) *Primary {
	return &Primary{
		url:    channelURL,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan Event, 64),
		send:   make(chan frame, 64),
		subs:   map[models.Ident]bool{},
		done:   make(chan struct{}),
	}
}

func (p *Primary) State() ConnState { return ConnState(p.state.Load()) }

func (p *Primary) Events() <-chan Event { return p.events }

// Connect dials the channel, sends the auth frame and waits for the
// backend's connected acknowledgment before returning.
func (p *Primary) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	tok, err := p.tokens.Token()
	if err != nil {
		return fmt.Errorf("primary auth token: %w", err)
	}
	if !session.Usable(tok) {
		return fmt.Errorf("primary auth token expired")
	}

	p.state.Store(int32(StateConnecting))
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		p.state.Store(int32(StateError))
		return fmt.Errorf("dial channel: %w", err)
	}

	// auth is always the first frame on the wire
	conn.SetWriteDeadline(time.Now().Add(primaryWriteWait))
	if err := conn.WriteJSON(frame{Op: "auth", Token: tok}); err != nil {
		conn.Close()
		p.state.Store(int32(StateError))
		return fmt.Errorf("send auth frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(primaryWriteWait))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		p.state.Store(int32(StateError))
		return fmt.Errorf("read auth ack: %w", err)
	}
	if ack.Op != "connected" {
		conn.Close()
		p.state.Store(int32(StateError))
		return fmt.Errorf("auth rejected: %s", ack.Error)
	}
	conn.SetReadDeadline(time.Now().Add(primaryPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(primaryPongWait))
		return nil
	})

	p.mu.Lock()
	p.conn = conn
	resubs := make([]models.Ident, 0, len(p.subs))
	for id := range p.subs {
		resubs = append(resubs, id)
	}
	p.mu.Unlock()

	p.state.Store(int32(StateAuthenticated))
	logger.Info("primary_connected", "url", p.url)
	p.events <- Event{Type: EventConnected, Source: "primary"}

	go p.writePump(conn)
	go p.readPump(conn)

	// re-register threads tracked before a reconnect
	for _, id := range resubs {
		p.enqueue(frame{Op: "subscribe", ThreadID: id})
	}
	return nil
}

func (p *Primary) enqueue(f frame) error {
	if p.State() != StateAuthenticated {
		return ErrNotConnected
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Primary) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(primaryPingEvery)
	defer ticker.Stop()
	for {
		select {
		case f := <-p.send:
			conn.SetWriteDeadline(time.Now().Add(primaryWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				logger.Warn("primary_write_failed", "op", f.Op, "error", err)
				p.fail(conn, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(primaryWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.fail(conn, err)
				return
			}
		case <-p.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(primaryWriteWait))
			return
		}
	}
}

func (p *Primary) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-p.done:
			default:
				logger.Warn("primary_read_failed", "error", err)
				p.fail(conn, err)
			}
			return
		}
		if ev, ok := p.normalize(f); ok {
			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}
}

// fail marks the channel broken and surfaces one error event; the
// manager decides what happens next.
func (p *Primary) fail(conn *websocket.Conn, err error) {
	if !p.state.CompareAndSwap(int32(StateAuthenticated), int32(StateError)) {
		return
	}
	conn.Close()
	select {
	case p.events <- Event{Type: EventError, Source: "primary", Err: err}:
	case <-p.done:
	}
}

func (p *Primary) normalize(f frame) (Event, bool) {
	switch f.Op {
	case "message":
		m, err := models.DecodeMessage(f.Message)
		if err != nil {
			logger.Warn("primary_bad_message", "error", err)
			return Event{}, false
		}
		return Event{Type: EventMessage, ThreadID: m.ThreadID, Message: &m, Source: "primary"}, true
	case "message_ack", "message_persisted":
		typ := EventAck
		if f.Op == "message_persisted" {
			typ = EventPersisted
		}
		ev := Event{Type: typ, ThreadID: f.ThreadID, ClientMsgID: f.ClientMsgID, Source: "primary"}
		if len(f.Message) > 0 {
			if m, err := models.DecodeMessage(f.Message); err == nil {
				ev.Message = &m
				ev.ThreadID = m.ThreadID
				if ev.ClientMsgID == "" {
					ev.ClientMsgID = m.ClientMsgID
				}
			}
		}
		return ev, true
	case "sync_response":
		var raws []json.RawMessage
		if err := json.Unmarshal(f.Messages, &raws); err != nil {
			logger.Warn("primary_bad_sync_response", "error", err)
			return Event{}, false
		}
		msgs := make([]models.Message, 0, len(raws))
		for _, raw := range raws {
			if m, err := models.DecodeMessage(raw); err == nil {
				msgs = append(msgs, m)
			}
		}
		return Event{Type: EventSyncResp, ThreadID: f.ThreadID, Messages: msgs, Source: "primary"}, true
	case "typing":
		return Event{Type: EventTyping, ThreadID: f.ThreadID, UserID: f.UserID, Typing: f.Typing, Source: "primary"}, true
	case "presence":
		return Event{Type: EventPresence, UserID: f.UserID, Online: f.Online, Source: "primary"}, true
	case "error":
		return Event{Type: EventError, ThreadID: f.ThreadID, ClientMsgID: f.ClientMsgID,
			Err: fmt.Errorf("%s", f.Error), Source: "primary"}, true
	default:
		logger.Debug("primary_unknown_op", "op", f.Op)
		return Event{}, false
	}
}

func (p *Primary) Subscribe(_ context.Context, threadID models.Ident) error {
	p.mu.Lock()
	p.subs[threadID] = true
	p.mu.Unlock()
	return p.enqueue(frame{Op: "subscribe", ThreadID: threadID})
}

func (p *Primary) Unsubscribe(_ context.Context, threadID models.Ident) error {
	p.mu.Lock()
	delete(p.subs, threadID)
	p.mu.Unlock()
	return p.enqueue(frame{Op: "unsubscribe", ThreadID: threadID})
}

func (p *Primary) Send(_ context.Context, msg models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.enqueue(frame{Op: "message", ThreadID: msg.ThreadID, ClientMsgID: msg.ClientMsgID, Message: raw})
}

func (p *Primary) Typing(_ context.Context, threadID models.Ident, typing bool) error {
	return p.enqueue(frame{Op: "typing", ThreadID: threadID, Typing: typing})
}

func (p *Primary) Acknowledge(_ context.Context, threadID, upToID models.Ident, status models.DeliveryState) error {
	return p.enqueue(frame{Op: "receipt", ThreadID: threadID, UpToID: upToID, Status: string(status)})
}

func (p *Primary) Sync(_ context.Context, threadID, sinceID models.Ident) error {
	return p.enqueue(frame{Op: "sync", ThreadID: threadID, SinceID: sinceID})
}

func (p *Primary) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	close(p.done)
	if conn != nil {
		conn.Close()
	}
	p.state.Store(int32(StateDisconnected))
	// events stays open: a pump committed to an emit must never hit a
	// closed channel. Consumers stop via done.
	return nil
}
