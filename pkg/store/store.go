// Package store defines the row-store capability the engine consumes:
// filtered range queries over messages, receipts and threads, plus the
// idempotent control operations (persist-by-client-id, mark-read) the
// fallback path relies on. Implementations: postgres (direct database
// access), rest (backend HTTP API) and memory (tests).
package store

import (
	"context"
	"errors"

	"dmsync/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// RowStore is the engine's view of the backend's message tables. All
// message listings return rows in chronological (oldest-first) order.
type RowStore interface {
	// RecentMessages returns the newest `limit` messages of a thread,
	// chronologically ordered.
	RecentMessages(ctx context.Context, threadID models.Ident, limit int) ([]models.Message, error)
	// MessagesBefore returns up to `limit` messages strictly older (by
	// id) than beforeID, chronologically ordered.
	MessagesBefore(ctx context.Context, threadID, beforeID models.Ident, limit int) ([]models.Message, error)
	// MessagesSince returns all messages strictly newer (by id) than
	// sinceID.
	MessagesSince(ctx context.Context, threadID, sinceID models.Ident) ([]models.Message, error)
	// InsertMessage persists a send idempotently keyed by client_msg_id
	// and returns the authoritative row (existing or newly written).
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// Thread returns thread metadata.
	Thread(ctx context.Context, threadID models.Ident) (models.Thread, error)
	// Receipts returns the partner acknowledgments for messages the
	// given sender authored in the thread.
	Receipts(ctx context.Context, threadID, senderID models.Ident) ([]models.Receipt, error)
	// MessageExists reports whether a message exists and was authored by
	// senderID; used to screen receipts for foreign or unknown messages.
	MessageExists(ctx context.Context, messageID, senderID models.Ident) (bool, error)
	// MarkRead records the read cursor for userID up to and including
	// upToID. Safe to repeat.
	MarkRead(ctx context.Context, threadID, userID, upToID models.Ident) error
}
