// Package dedup records which proofs were reserved, consumed or voided so a
// proof is never applied twice.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrReserved = errors.New("proof reserved by another owner")
	ErrConsumed = errors.New("proof already consumed")
	ErrVoided   = errors.New("proof voided")
)

type State int

const (
	StateUnknown State = iota
	StateReserved
	StateConsumed
	StateVoided
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateConsumed:
		return "consumed"
	case StateVoided:
		return "voided"
	default:
		return "unknown"
	}
}

// Store is shared by the verifier and every adapter.
//
// Reserve claims an unknown id for owner. Reserving again with the same owner
// refreshes the reservation. A zero ttl never expires.
//
// Consume marks an id consumed by consumer and reports whether consumer holds
// it. Repeating the call with the same consumer reports true again, so a
// caller that lost the reply can retry; another consumer gets false. Consumed
// ids stay consumed forever.
//
// Void retires an id that was never reserved or consumed.
type Store interface {
	Reserve(ctx context.Context, id, owner string, ttl time.Duration) error
	Consume(ctx context.Context, id, consumer string) (bool, error)
	Void(ctx context.Context, id string) error
	State(ctx context.Context, id string) (State, error)
}

type entry struct {
	state     State
	owner     string
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// lookup drops expired reservations. Caller holds s.mu.
func (s *MemoryStore) lookup(id string) entry {
	e, ok := s.entries[id]
	if !ok {
		return entry{}
	}
	if e.state == StateReserved && !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, id)
		return entry{}
	}
	return e
}

func (s *MemoryStore) Reserve(_ context.Context, id, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(id)
	switch e.state {
	case StateConsumed:
		return ErrConsumed
	case StateVoided:
		return ErrVoided
	case StateReserved:
		if e.owner != owner {
			return ErrReserved
		}
	}

	next := entry{state: StateReserved, owner: owner}
	if ttl > 0 {
		next.expiresAt = s.now().Add(ttl)
	}
	s.entries[id] = next
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, id, consumer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := s.lookup(id); e.state {
	case StateConsumed:
		return e.owner == consumer, nil
	case StateVoided:
		return false, ErrVoided
	}
	s.entries[id] = entry{state: StateConsumed, owner: consumer}
	return true, nil
}

func (s *MemoryStore) Void(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.lookup(id).state {
	case StateReserved:
		return ErrReserved
	case StateConsumed:
		return ErrConsumed
	}
	s.entries[id] = entry{state: StateVoided}
	return nil
}

func (s *MemoryStore) State(_ context.Context, id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id).state, nil
}
