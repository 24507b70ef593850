// Package transport carries the two delivery paths to the backend behind
// one event surface: the primary bidirectional websocket channel and the
// fallback pairing of a row changefeed with plain HTTP writes. Consumers
// subscribe per thread and drain a single Events stream; they never learn
// which path produced an event except through the Source tag.
package transport

import (
	"context"
	"errors"

	"dmsync/pkg/models"
)

// EventType discriminates the frames both transports normalize into.
type EventType string

const (
	EventMessage   EventType = "message"
	EventTyping    EventType = "typing"
	EventPresence  EventType = "presence"
	EventAck       EventType = "message_ack"
	EventPersisted EventType = "message_persisted"
	EventSyncResp  EventType = "sync_response"
	EventConnected EventType = "connected"
	EventError     EventType = "error"
)

// ChangeKind labels row-change events from the fallback changefeed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Event is the uniform frame delivered on the Events stream.
type Event struct {
	Type     EventType
	ThreadID models.Ident
	// Message is set for message, message_ack and message_persisted
	// events, and for each element of a sync_response via Messages.
	Message  *models.Message
	Messages []models.Message
	// Change is set on message events sourced from the changefeed.
	Change ChangeKind
	// UserID identifies the actor for typing and presence events.
	UserID models.Ident
	Typing bool
	Online bool
	// ClientMsgID echoes the send correlation id on ack/persisted events.
	ClientMsgID string
	// Source names the transport that produced the event ("primary" or
	// "fallback").
	Source string
	Err    error
}

// ConnState is the connection lifecycle reported by a transport.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticated
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrClosed is returned by operations on a transport after Close.
var ErrClosed = errors.New("transport closed")

// ErrNotConnected is returned when a send is attempted before the
// transport reached the authenticated state.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the delivery path contract. Both implementations push
// normalized Events onto the channel returned by Events; the channel is
// closed when the transport shuts down.
type Transport interface {
	// Connect establishes the path and authenticates. It blocks until the
	// transport is usable or the context expires.
	Connect(ctx context.Context) error
	// Subscribe registers interest in a thread's events.
	Subscribe(ctx context.Context, threadID models.Ident) error
	// Unsubscribe drops interest in a thread.
	Unsubscribe(ctx context.Context, threadID models.Ident) error
	// Send submits an outbound message keyed by its client_msg_id. The
	// result arrives asynchronously as an ack/persisted event.
	Send(ctx context.Context, msg models.Message) error
	// Typing reports the local user's typing state to the thread.
	Typing(ctx context.Context, threadID models.Ident, typing bool) error
	// Acknowledge reports delivery/read of a partner's message upstream.
	Acknowledge(ctx context.Context, threadID, upToID models.Ident, status models.DeliveryState) error
	// Sync requests all rows newer than sinceID; the result arrives as a
	// sync_response event.
	Sync(ctx context.Context, threadID, sinceID models.Ident) error
	// Events returns the stream of normalized events.
	Events() <-chan Event
	// State reports the current connection state.
	State() ConnState
	Close() error
}
