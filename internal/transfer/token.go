package transfer

import (
	"context"
	"sync"
)

// Token grants exclusive processing of one transfer. Acquire fails with
// ErrTokenHeld while another worker holds the token.
type Token interface {
	Acquire(ctx context.Context, transferID string) (Lease, error)
}

// Lease is a held token. Lost is closed once the token expired or passed to
// another worker; the holder must stop driving the transfer. Release is
// idempotent.
type Lease interface {
	Lost() <-chan struct{}
	Release()
}

type MemoryToken struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{held: make(map[string]struct{})}
}

func (t *MemoryToken) Acquire(_ context.Context, transferID string) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[transferID]; ok {
		return nil, ErrTokenHeld
	}
	t.held[transferID] = struct{}{}
	return &memoryLease{token: t, id: transferID}, nil
}

// memoryLease never expires, so Lost stays open.
type memoryLease struct {
	token *MemoryToken
	id    string
	once  sync.Once
}

func (l *memoryLease) Lost() <-chan struct{} { return nil }

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.token.mu.Lock()
		delete(l.token.held, l.id)
		l.token.mu.Unlock()
	})
}
