package models

import (
	"encoding/json"
	"fmt"
)

// Receipt records the delivery status a recipient has acknowledged for a
// single message. Status only moves forward (sent < delivered < read).
type Receipt struct {
	MessageID Ident         `json:"message_id"`
	UserID    Ident         `json:"user_id"`
	Status    DeliveryState `json:"status"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

// DecodeReceipt normalizes an externally sourced receipt payload and
// rejects statuses outside the receipt ladder.
func DecodeReceipt(b []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(b, &r); err != nil {
		return Receipt{}, fmt.Errorf("invalid receipt JSON: %w", err)
	}
	if r.MessageID.IsZero() {
		return Receipt{}, fmt.Errorf("receipt missing message_id")
	}
	if r.Status.Rank() == 0 {
		return Receipt{}, fmt.Errorf("receipt status %q outside sent/delivered/read", r.Status)
	}
	return r, nil
}
