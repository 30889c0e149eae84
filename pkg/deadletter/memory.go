package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const memoryLogPrefix = "deadletter:memory"

// MemoryStore keeps the last Capacity entries in process memory.
type MemoryStore struct {
	capacity int

	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// NewMemoryStore creates a store holding at most capacity entries (1000 when <= 0).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity}
}

// Record implements Store. The oldest entry is dropped once the store is full.
func (m *MemoryStore) Record(ctx context.Context, env *envelope.Envelope, reason string) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%s - %w", memoryLogPrefix, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e := newEntry(env, reason, data, time.Now())
	e.ID = m.nextID
	if len(m.entries) == m.capacity {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, e)
	return nil
}

// List implements Store, newest first.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
