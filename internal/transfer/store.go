package transfer

import (
	"context"
	"sort"
	"sync"

	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

// Store persists transfer records keyed by id. Records are never deleted, so
// ids are never reused.
type Store interface {
	// Create inserts rec, failing with ErrDuplicateTransfer if the id exists.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	// Scan returns records in the given phases, or every record when none are
	// given, oldest first.
	Scan(ctx context.Context, phases ...Phase) ([]*Record, error)
}

// OutboxStore persists a record and its event atomically. When the store
// implements it the coordinator leaves publication to the outbox relay.
type OutboxStore interface {
	Store
	CreateWithEvent(ctx context.Context, rec *Record, event *protov1.TransferEvent) error
	PutWithEvent(ctx context.Context, rec *Record, event *protov1.TransferEvent) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return ErrDuplicateTransfer
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, phases ...Phase) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[Phase]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if len(want) == 0 || want[rec.Phase] {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
