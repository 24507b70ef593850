package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/store"
)

func init() { logger.Init() }

// fakeTransport is a scriptable Transport for manager tests.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	subs       []models.Ident
	sent       []models.Message
	events     chan Event
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, id models.Ident) error {
	f.mu.Lock()
	f.subs = append(f.subs, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Unsubscribe(context.Context, models.Ident) error { return nil }

func (f *fakeTransport) Send(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Typing(context.Context, models.Ident, bool) error { return nil }

func (f *fakeTransport) Acknowledge(context.Context, models.Ident, models.Ident, models.DeliveryState) error {
	return nil
}

func (f *fakeTransport) Sync(context.Context, models.Ident, models.Ident) error { return nil }

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return StateAuthenticated
	}
	return StateDisconnected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) subscribed() []models.Ident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Ident(nil), f.subs...)
}

func TestManagerPrefersPrimary(t *testing.T) {
	primary := newFakeTransport()
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.Downgraded() {
		t.Fatal("downgraded with a healthy primary")
	}
	if err := m.Send(context.Background(), models.Message{ThreadID: "t1", ClientMsgID: "c1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(primary.sent) != 1 || len(fallback.sent) != 0 {
		t.Fatalf("send went to wrong path: primary=%d fallback=%d", len(primary.sent), len(fallback.sent))
	}
}

func TestManagerDowngradesOnConnectFailure(t *testing.T) {
	primary := newFakeTransport()
	primary.connectErr = errors.New("auth rejected")
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)
	defer m.Close()

	// threads tracked before connect must land on the fallback path
	if err := m.Subscribe(context.Background(), "t1"); err != ErrNotConnected {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.Downgraded() {
		t.Fatal("expected downgrade after primary connect failure")
	}
	got := fallback.subscribed()
	if len(got) != 1 || got[0] != "t1" {
		t.Fatalf("fallback resubscribe = %v", got)
	}
}

func TestManagerDowngradeIsPermanent(t *testing.T) {
	primary := newFakeTransport()
	primary.connectErr = errors.New("temporarily down")
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// primary recovers, but a downgraded session must not go back
	primary.mu.Lock()
	primary.connectErr = nil
	primary.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := m.Send(context.Background(), models.Message{ThreadID: "t1", ClientMsgID: "c1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	primary.mu.Lock()
	primarySends := len(primary.sent)
	primary.mu.Unlock()
	if primarySends != 0 {
		t.Fatal("send reached primary after permanent downgrade")
	}
}

func TestManagerDowngradesOnChannelError(t *testing.T) {
	primary := newFakeTransport()
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	primary.events <- Event{Type: EventError, Source: "primary", Err: errors.New("socket reset")}

	deadline := time.After(2 * time.Second)
	for !m.Downgraded() {
		select {
		case <-deadline:
			t.Fatal("manager never downgraded after channel error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerForwardsDataEvents(t *testing.T) {
	primary := newFakeTransport()
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msg := models.Message{ID: "7", ThreadID: "t1"}
	primary.events <- Event{Type: EventMessage, ThreadID: "t1", Message: &msg, Source: "primary"}

	select {
	case ev := <-m.Events():
		if ev.Type != EventMessage || ev.Message.ID != "7" {
			t.Fatalf("forwarded event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never forwarded")
	}
}

func TestManagerCloseWithParkedForwarder(t *testing.T) {
	primary := newFakeTransport()
	fallback := newFakeTransport()
	m := NewManager(primary, fallback)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// overrun the merged stream so the forwarder is parked mid-emit when
	// Close lands
	msg := models.Message{ID: "1", ThreadID: "t1"}
	for i := 0; i < 70; i++ {
		primary.events <- Event{Type: EventMessage, ThreadID: "t1", Message: &msg, Source: "primary"}
	}
	time.Sleep(50 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// the parked forwarder must unwind, not panic on the stream
	time.Sleep(50 * time.Millisecond)
	if err := m.Send(context.Background(), models.Message{ThreadID: "t1"}); err != ErrClosed {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
}

func TestFallbackSendAfterClose(t *testing.T) {
	rows := store.NewMemory()
	f := NewFallback("ws://unused/feed", rows, "u1")
	f.Close()

	msg := models.Message{ThreadID: "t1", SenderID: "u1", ClientMsgID: "cm-9"}
	var last error
	// enough sends to fill the event buffer; none may panic, and once
	// the buffer is full only the closed signal remains selectable
	for i := 0; i < 70; i++ {
		last = f.Send(context.Background(), msg)
	}
	if !errors.Is(last, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", last)
	}
}

func TestFallbackSendEmitsPersisted(t *testing.T) {
	rows := store.NewMemory()
	f := NewFallback("ws://unused/feed", rows, "u1")
	defer f.Close()

	msg := models.Message{ThreadID: "t1", SenderID: "u1", ClientMsgID: "cm-1"}
	if err := f.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-f.Events():
		if ev.Type != EventPersisted {
			t.Fatalf("event type = %s", ev.Type)
		}
		if ev.ClientMsgID != "cm-1" {
			t.Fatalf("client_msg_id = %q", ev.ClientMsgID)
		}
		if ev.Message == nil || ev.Message.IsEcho() {
			t.Fatal("persisted event lacks an authoritative row")
		}
	case <-time.After(time.Second):
		t.Fatal("no persisted event")
	}

	// replaying the same client_msg_id must return the same row
	if err := f.Send(context.Background(), msg); err != nil {
		t.Fatalf("replay: %v", err)
	}
	first, _ := rows.RecentMessages(context.Background(), "t1", 10)
	if len(first) != 1 {
		t.Fatalf("replay created a duplicate: %d rows", len(first))
	}
}

func TestFallbackSyncAnswersFromStore(t *testing.T) {
	rows := store.NewMemory()
	a := rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})
	rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})
	rows.Seed(models.Message{ThreadID: "t1", SenderID: "u2"})

	f := NewFallback("ws://unused/feed", rows, "u1")
	defer f.Close()

	if err := f.Sync(context.Background(), "t1", a.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	select {
	case ev := <-f.Events():
		if ev.Type != EventSyncResp {
			t.Fatalf("event type = %s", ev.Type)
		}
		if len(ev.Messages) != 2 {
			t.Fatalf("sync returned %d rows, want 2", len(ev.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("no sync_response event")
	}
}

func TestFallbackAcknowledgeRecordsReadCursor(t *testing.T) {
	rows := store.NewMemory()
	f := NewFallback("ws://unused/feed", rows, "u1")
	defer f.Close()

	if err := f.Acknowledge(context.Background(), "t1", "9", models.DeliveryRead); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got := rows.ReadCursor("t1", "u1"); got != "9" {
		t.Fatalf("read cursor = %q", got)
	}
	// delivered receipts have no write path here and must be a no-op
	if err := f.Acknowledge(context.Background(), "t1", "12", models.DeliveryDelivered); err != nil {
		t.Fatalf("delivered ack: %v", err)
	}
	if got := rows.ReadCursor("t1", "u1"); got != "9" {
		t.Fatalf("cursor moved on delivered ack: %q", got)
	}
}
