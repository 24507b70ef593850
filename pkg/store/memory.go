package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"dmsync/pkg/models"
)

// Memory is an in-process RowStore used by tests and local development.
// Rows are held per thread in insertion order; ids and sequence numbers
// are assigned from a single counter so id-range queries behave like the
// backend's.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	byThread map[models.Ident][]models.Message
	byClient map[string]models.Message
	receipts map[models.Ident][]models.Receipt
	threads  map[models.Ident]models.Thread
	cursors  map[string]models.Ident // threadID|userID -> upToID
}

func NewMemory() *Memory {
	return &Memory{
		nextID:   1,
		byThread: map[models.Ident][]models.Message{},
		byClient: map[string]models.Message{},
		receipts: map[models.Ident][]models.Receipt{},
		threads:  map[models.Ident]models.Thread{},
		cursors:  map[string]models.Ident{},
	}
}

// Seed inserts a message bypassing idempotency checks; test setup only.
func (m *Memory) Seed(msg models.Message) models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(msg)
}

// SeedThread registers thread metadata.
func (m *Memory) SeedThread(t models.Thread) {
	m.mu.Lock()
	m.threads[t.ID] = t
	m.mu.Unlock()
}

// AddReceipt appends a partner acknowledgment.
func (m *Memory) AddReceipt(threadID models.Ident, r models.Receipt) {
	m.mu.Lock()
	m.receipts[threadID] = append(m.receipts[threadID], r)
	m.mu.Unlock()
}

func (m *Memory) insertLocked(msg models.Message) models.Message {
	if msg.ID.IsZero() || msg.ID == models.PendingID {
		msg.ID = models.Ident(strconv.FormatInt(m.nextID, 10))
	}
	if msg.Seq == nil {
		s := m.nextID
		msg.Seq = &s
	}
	m.nextID++
	if msg.CreatedAt == "" {
		msg.CreatedAt = models.NowStamp()
	}
	m.byThread[msg.ThreadID] = append(m.byThread[msg.ThreadID], msg)
	if msg.ClientMsgID != "" {
		m.byClient[msg.ClientMsgID] = msg
	}
	return msg
}

func (m *Memory) sortedLocked(threadID models.Ident) []models.Message {
	rows := append([]models.Message(nil), m.byThread[threadID]...)
	sort.SliceStable(rows, func(i, j int) bool { return idNum(rows[i].ID) < idNum(rows[j].ID) })
	return rows
}

func idNum(id models.Ident) int64 {
	n, _ := strconv.ParseInt(id.String(), 10, 64)
	return n
}

func (m *Memory) RecentMessages(_ context.Context, threadID models.Ident, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sortedLocked(threadID)
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (m *Memory) MessagesBefore(_ context.Context, threadID, beforeID models.Ident, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, r := range m.sortedLocked(threadID) {
		if idNum(r.ID) < idNum(beforeID) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) MessagesSince(_ context.Context, threadID, sinceID models.Ident) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, r := range m.sortedLocked(threadID) {
		if idNum(r.ID) > idNum(sinceID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ClientMsgID != "" {
		if existing, ok := m.byClient[msg.ClientMsgID]; ok {
			return existing, nil
		}
	}
	if msg.ThreadID.IsZero() {
		return models.Message{}, fmt.Errorf("insert missing thread_id")
	}
	return m.insertLocked(msg), nil
}

func (m *Memory) Thread(_ context.Context, threadID models.Ident) (models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return models.Thread{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) Receipts(_ context.Context, threadID, senderID models.Ident) ([]models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Receipt
	for _, r := range m.receipts[threadID] {
		for _, msg := range m.byThread[threadID] {
			if msg.ID == r.MessageID && msg.SenderID == senderID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MessageExists(_ context.Context, messageID, senderID models.Ident) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.byThread {
		for _, msg := range rows {
			if msg.ID == messageID {
				return msg.SenderID == senderID, nil
			}
		}
	}
	return false, nil
}

func (m *Memory) MarkRead(_ context.Context, threadID, userID, upToID models.Ident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threadID.String() + "|" + userID.String()
	if idNum(upToID) > idNum(m.cursors[key]) {
		m.cursors[key] = upToID
	}
	return nil
}

// ReadCursor exposes the recorded cursor for assertions in tests.
func (m *Memory) ReadCursor(threadID, userID models.Ident) models.Ident {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[threadID.String()+"|"+userID.String()]
}
