package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PendingID is the sentinel message id carried by a local echo before the
// server has assigned a real id. Once an echo is replaced by its
// authoritative copy the sentinel must never reappear for that slot.
const PendingID Ident = "pending"

// DeliveryState is the derived, client-side delivery status of a message.
// It is never persisted to the row store.
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Rank orders the receipt-bearing states for monotonic reconciliation:
// sent < delivered < read. Non-receipt states rank below all of them.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return 0
	}
}

// Attachment describes one entry in a message's ordered attachment list.
type Attachment struct {
	ID         Ident  `json:"id"`
	Kind       string `json:"kind"`
	Size       int64  `json:"size"`
	StorageRef string `json:"storage_ref"`
}

// Message is the engine's canonical message shape. Externally sourced
// optional fields are modeled as pointers so absence is explicit and
// handled at decode time rather than at every call site.
type Message struct {
	ID          Ident         `json:"id"`
	ThreadID    Ident         `json:"thread_id"`
	SenderID    Ident         `json:"sender_id"`
	Body        *string       `json:"body"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   string        `json:"created_at"`
	Seq         *int64        `json:"sequence_number,omitempty"`
	ClientMsgID string        `json:"client_msg_id,omitempty"`
	EditedAt    *string       `json:"edited_at,omitempty"`
	DeletedAt   *string       `json:"deleted_at,omitempty"`
	Delivery    DeliveryState `json:"-"`
	// SendError carries the captured failure reason for a terminal
	// failed echo; cleared on retry.
	SendError string `json:"-"`
}

// IsEcho reports whether the message is a not-yet-persisted local echo.
func (m *Message) IsEcho() bool {
	return m.ID == PendingID || m.ID.IsZero()
}

// SlotKey returns the dedupe key identifying the message's logical slot:
// client_msg_id when present (echo and authoritative copy share it),
// otherwise the server id. At most one message per slot is ever visible.
func (m *Message) SlotKey() string {
	if m.ClientMsgID != "" {
		return "c:" + m.ClientMsgID
	}
	return "s:" + m.ID.String()
}

// CreatedTime parses the ISO-8601 created_at stamp. A zero time is
// returned for absent or malformed stamps; ordering then falls through
// to the id tie-break.
func (m *Message) CreatedTime() time.Time {
	return parseStamp(m.CreatedAt)
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// NowStamp renders the canonical created_at format for locally minted
// messages.
func NowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// DecodeMessage is the single ingestion point for externally sourced
// message payloads. It normalizes ids, then rejects payloads missing the
// fields every stored message carries.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("invalid message JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate enforces the minimal shape an authoritative message must have.
// Local echoes are exempt from the id requirement by construction.
func (m *Message) Validate() error {
	if m.ThreadID.IsZero() {
		return fmt.Errorf("message missing thread_id")
	}
	if m.ID.IsZero() && m.ClientMsgID == "" {
		return fmt.Errorf("message missing both id and client_msg_id")
	}
	return nil
}
