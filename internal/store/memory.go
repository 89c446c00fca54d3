// ABOUTME: In-memory MessageStore implementation for testing
// ABOUTME: Allows broker tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hivewire/hivewire/internal/message"
)

// MemoryStore is an in-memory MessageStore. It mirrors SQLiteStore
// semantics (copies on read/write, duplicate detection) so broker
// tests exercise the same contract.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*message.Message

	// FailSaves makes SaveMessage fail, for persistence-failure tests.
	FailSaves error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*message.Message),
	}
}

// SaveMessage inserts a new record.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicateID
	}

	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

// GetMessage retrieves a record by id.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *msg
	return &cp, nil
}

// UpdateMessage overwrites the mutable delivery fields of a record.
func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}

	existing.Status = msg.Status
	existing.RetryCount = msg.RetryCount
	return nil
}

// ListByStatus returns up to limit records with the given status, oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, status message.Status, limit int) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var msgs []*message.Message
	for _, msg := range m.messages {
		if msg.Status == status {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// DeleteBefore removes records older than cutoff.
func (m *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, msg := range m.messages {
		if msg.Timestamp.Before(cutoff) {
			delete(m.messages, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Count returns the number of stored records. Test helper.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
