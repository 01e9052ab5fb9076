package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
)

var ErrNotFound = errors.New("session not found")

// Store persists session records. Implementations must make Rename atomic:
// once it returns, oldID can no longer be loaded.
type Store interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Rename(ctx context.Context, oldID string, rec *Record) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	clock clockwork.Clock

	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, recs: map[string]*Record{}}
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.clock.Now().After(rec.ExpiresAt) {
		delete(m.recs, id)
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) Rename(ctx context.Context, oldID string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, oldID)
	m.recs[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

// Purge drops expired records and returns how many were removed.
func (m *MemoryStore) Purge(ctx context.Context) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.recs {
		if now.After(rec.ExpiresAt) {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of records held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}
