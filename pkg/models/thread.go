package models

import (
	"encoding/json"
	"fmt"
)

// Thread is a direct conversation between an ordered pair of participants.
type Thread struct {
	ID            Ident   `json:"id"`
	Participants  []Ident `json:"participants"`
	LastMessageAt string  `json:"last_message_at,omitempty"`
	Pinned        bool    `json:"pinned,omitempty"`
	Muted         bool    `json:"muted,omitempty"`
	// LastRead maps participant id -> last read message id.
	LastRead map[Ident]Ident `json:"last_read,omitempty"`
}

// Partner returns the other participant of a direct thread, or the zero
// ident when the thread shape is unexpected.
func (t *Thread) Partner(self Ident) Ident {
	for _, p := range t.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// DecodeThread normalizes an externally sourced thread payload.
func DecodeThread(b []byte) (Thread, error) {
	var t Thread
	if err := json.Unmarshal(b, &t); err != nil {
		return Thread{}, fmt.Errorf("invalid thread JSON: %w", err)
	}
	if t.ID.IsZero() {
		return Thread{}, fmt.Errorf("thread missing id")
	}
	return t, nil
}
