package models

import (
	"encoding/json"
	"testing"
)

func TestIdentAcceptsStringAndNumber(t *testing.T) {
	var m Message
	payload := []byte(`{"id": 42, "thread_id": "7", "sender_id": 9, "created_at": "2026-08-30T10:00:00Z"}`)
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.ID != "42" || m.ThreadID != "7" || m.SenderID != "9" {
		t.Fatalf("idents = %q %q %q", m.ID, m.ThreadID, m.SenderID)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	// ids always serialize canonically as strings
	if _, ok := round["id"].(string); !ok {
		t.Fatalf("id serialized as %T", round["id"])
	}
}

func TestDecodeMessageRejectsBrokenShapes(t *testing.T) {
	cases := map[string]string{
		"no thread":     `{"id": "1", "sender_id": "2"}`,
		"no identity":   `{"thread_id": "7", "sender_id": "2"}`,
		"not an object": `"hello"`,
	}
	for name, payload := range cases {
		if _, err := DecodeMessage([]byte(payload)); err == nil {
			t.Errorf("%s: decoded successfully", name)
		}
	}

	// a client_msg_id alone identifies an echo-shaped payload
	ok := `{"thread_id": "7", "sender_id": "2", "client_msg_id": "cm-1"}`
	if _, err := DecodeMessage([]byte(ok)); err != nil {
		t.Fatalf("client-keyed payload rejected: %v", err)
	}
}

func TestSlotKeyPrefersClientID(t *testing.T) {
	withClient := Message{ID: "10", ClientMsgID: "cm-1"}
	withoutClient := Message{ID: "10"}
	if withClient.SlotKey() == withoutClient.SlotKey() {
		t.Fatal("slot keys should differ when only one copy carries client_msg_id")
	}
	echo := Message{ID: PendingID, ClientMsgID: "cm-1"}
	if echo.SlotKey() != withClient.SlotKey() {
		t.Fatal("echo and authoritative copy must share a slot")
	}
}

func TestDeliveryRankOrdering(t *testing.T) {
	if !(DeliverySent.Rank() < DeliveryDelivered.Rank() && DeliveryDelivered.Rank() < DeliveryRead.Rank()) {
		t.Fatal("rank ordering broken")
	}
	for _, s := range []DeliveryState{DeliverySending, DeliveryFailed, ""} {
		if s.Rank() != 0 {
			t.Fatalf("%q should not participate in receipt ranking", s)
		}
	}
}

func TestDecodeReceiptScreensStatus(t *testing.T) {
	good := `{"message_id": 5, "user_id": "2", "status": "delivered"}`
	if _, err := DecodeReceipt([]byte(good)); err != nil {
		t.Fatalf("valid receipt rejected: %v", err)
	}
	bad := `{"message_id": 5, "user_id": "2", "status": "sending"}`
	if _, err := DecodeReceipt([]byte(bad)); err == nil {
		t.Fatal("non-receipt status accepted")
	}
}
