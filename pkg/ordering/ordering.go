// Package ordering establishes the total display order over a thread's
// message collection and performs all merging. No other component may
// append to a collection directly; every mutation goes through Merge or
// ReconcileEcho so duplicates and regressions cannot be introduced.
package ordering

import (
	"sort"
	"strings"

	"dmsync/pkg/models"
)

// Compare is the strict comparator over messages: server sequence number
// when both sides carry one and they differ, then created_at, then an id
// string tie-break. The result is a strict weak ordering, so repeated
// stable sorts of the same inputs cannot flip entries.
func Compare(a, b *models.Message) int {
	if a.Seq != nil && b.Seq != nil && *a.Seq != *b.Seq {
		if *a.Seq < *b.Seq {
			return -1
		}
		return 1
	}
	at, bt := a.CreatedTime(), b.CreatedTime()
	if !at.Equal(bt) {
		if at.Before(bt) {
			return -1
		}
		return 1
	}
	return strings.Compare(tieID(a), tieID(b))
}

// tieID keys the final tie-break. Echoes use their client id prefixed so
// they sort after persisted rows with the same stamp; the prefix keeps
// the comparison total even while the sentinel id is in play.
func tieID(m *models.Message) string {
	if m.IsEcho() {
		return "~" + m.ClientMsgID
	}
	return m.ID.String()
}

// Merge builds a slot-keyed map seeded from existing, overwrites/adds
// entries from incoming (later writes win; server data is authoritative
// over locally held copies), and returns the values sorted by Compare.
// Merge is idempotent: Merge(X, X) == X, and re-merging a subset is a
// no-op.
func Merge(existing, incoming []models.Message) []models.Message {
	c := newCollection(existing)
	for i := range incoming {
		c.put(incoming[i])
	}
	return c.sorted()
}

// ReconcileEcho merges one authoritative message into existing,
// replacing the matching local echo in place. Matching is by
// client_msg_id; when the authoritative copy carries none, an echo with
// the same (sequence_number, thread_id) is matched instead. Once
// replaced the sentinel id never reappears for that slot.
func ReconcileEcho(existing []models.Message, authoritative models.Message) []models.Message {
	if authoritative.ClientMsgID == "" && authoritative.Seq != nil {
		for i := range existing {
			e := &existing[i]
			if e.IsEcho() && e.ThreadID == authoritative.ThreadID &&
				e.Seq != nil && *e.Seq == *authoritative.Seq {
				// adopt the echo's slot so the visible entry updates
				// rather than duplicating
				authoritative.ClientMsgID = e.ClientMsgID
				break
			}
		}
	}
	return Merge(existing, []models.Message{authoritative})
}

// collection indexes messages by logical slot and by server id so the
// same stored row can never surface twice, even when one copy carries a
// client_msg_id and another does not.
type collection struct {
	slots map[string]models.Message
	ids   map[models.Ident]string
}

func newCollection(existing []models.Message) *collection {
	c := &collection{
		slots: make(map[string]models.Message, len(existing)),
		ids:   make(map[models.Ident]string, len(existing)),
	}
	for i := range existing {
		c.put(existing[i])
	}
	return c
}

func (c *collection) put(m models.Message) {
	key := m.SlotKey()
	if !m.IsEcho() {
		if prev, ok := c.ids[m.ID]; ok && prev != key {
			if strings.HasPrefix(key, "c:") {
				// same row resurfacing with its client key; collapse the
				// id-only slot into the client-keyed one
				delete(c.slots, prev)
			} else {
				key = prev
			}
		}
		c.ids[m.ID] = key
	}
	if old, ok := c.slots[key]; ok {
		// merging never discards derived delivery progress
		if m.Delivery == "" || m.Delivery.Rank() < old.Delivery.Rank() {
			m.Delivery = old.Delivery
		}
	}
	c.slots[key] = m
}

func (c *collection) sorted() []models.Message {
	out := make([]models.Message, 0, len(c.slots))
	for _, m := range c.slots {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return Compare(&out[i], &out[j]) < 0 })
	return out
}
