package settle

import (
	"context"
	"sync"
	"time"
)

// Store persists settlement records. Implementations must refuse writes to a
// concluded record; the engine never updates one after conclusion.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Conclude(ctx context.Context, id, protocolNumber, anchorHash string, at time.Time) error
	MarkRolledBack(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Record, error)
}

// MemoryStore implements Store in memory for tests and standalone runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Conclude(_ context.Context, id, protocolNumber, anchorHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ConcludedAt != nil {
		return ErrInvalidTransition
	}
	rec.ProtocolNumber = protocolNumber
	rec.AnchorHash = anchorHash
	rec.ConcludedAt = &at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) MarkRolledBack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ConcludedAt != nil {
		return ErrInvalidTransition
	}
	rec.RolledBack = true
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
