package publish

import (
	"context"
	"sort"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// QueuedPublish is a publish attempt awaiting retry. It persists until
// the publish succeeds or the attempt cap / age limit drops it.
type QueuedPublish struct {
	Event        *nostr.Event
	TargetRelays []string
	Attempts     int
	EnqueuedAt   time.Time
	NextRetryAt  time.Time
	LastError    string
}

// QueueStore persists queued publishes, keyed by event ID. The engine
// ships a memory store for library use and a Postgres store
// (internal/storage) for long-running processes.
type QueueStore interface {
	// Put inserts the entry, fully replacing any existing entry for the
	// same event ID.
	Put(ctx context.Context, qp QueuedPublish) error
	Update(ctx context.Context, qp QueuedPublish) error
	Delete(ctx context.Context, eventID string) error
	// Due returns entries with NextRetryAt <= now, oldest first.
	Due(ctx context.Context, now time.Time) ([]QueuedPublish, error)
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore is the in-process QueueStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]QueuedPublish
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]QueuedPublish)}
}

func (m *MemoryStore) Put(_ context.Context, qp QueuedPublish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[qp.Event.ID] = qp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, qp QueuedPublish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[qp.Event.ID] = qp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, eventID)
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time) ([]QueuedPublish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]QueuedPublish, 0)
	for _, qp := range m.entries {
		if !qp.NextRetryAt.After(now) {
			due = append(due, qp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
	})
	return due, nil
}

func (m *MemoryStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]QueuedPublish)
	return n, nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
