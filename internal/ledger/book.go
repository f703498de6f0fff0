// Package ledger keeps the local balance mirror an adapter settles against.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUnknownLock       = errors.New("unknown lock")
	ErrLockNotHeld       = errors.New("lock is not held")
)

// LockState tracks a reservation from creation to its end.
type LockState int

const (
	LockUnknown LockState = iota
	LockHeld
	// LockAttested means a proof was issued against the reservation but nobody
	// has consumed it yet.
	LockAttested
	LockReleased
	LockSettled
)

func (s LockState) String() string {
	switch s {
	case LockHeld:
		return "held"
	case LockAttested:
		return "attested"
	case LockReleased:
		return "released"
	case LockSettled:
		return "settled"
	default:
		return "unknown"
	}
}

type Balance struct {
	Available uint64
	Reserved  uint64
}

type lock struct {
	asset     string
	amount    uint64
	state     LockState
	createdAt time.Time
}

type credit struct {
	asset  string
	amount uint64
	at     time.Time
}

type Book struct {
	mu        sync.Mutex
	available map[string]uint64
	reserved  map[string]uint64
	locks     map[string]*lock
	credits   map[string]credit
	now       func() time.Time
}

func New() *Book {
	return &Book{
		available: make(map[string]uint64),
		reserved:  make(map[string]uint64),
		locks:     make(map[string]*lock),
		credits:   make(map[string]credit),
		now:       time.Now,
	}
}

func (b *Book) Deposit(asset string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available[asset] += amount
}

// Lock moves amount from available to reserved and returns the reservation id.
func (b *Book) Lock(asset string, amount uint64) (string, error) {
	if amount == 0 {
		return "", ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.available[asset] < amount {
		return "", fmt.Errorf("%w: %s available %d, requested %d", ErrInsufficientFunds, asset, b.available[asset], amount)
	}

	id := uuid.NewString()
	b.available[asset] -= amount
	b.reserved[asset] += amount
	b.locks[id] = &lock{asset: asset, amount: amount, state: LockHeld, createdAt: b.now()}
	return id, nil
}

// Attest marks a held reservation as backing an issued proof.
func (b *Book) Attest(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[id]
	if !ok {
		return ErrUnknownLock
	}
	if l.state != LockHeld {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.state)
	}
	l.state = LockAttested
	return nil
}

// Release returns the reserved amount to available. Releasing a reservation
// that is already released or settled is a no-op and reports false.
func (b *Book) Release(id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[id]
	if !ok {
		return false, ErrUnknownLock
	}
	switch l.state {
	case LockHeld, LockAttested:
		b.reserved[l.asset] -= l.amount
		b.available[l.asset] += l.amount
		l.state = LockReleased
		return true, nil
	default:
		return false, nil
	}
}

// Settle drops an attested reservation once its proof was consumed elsewhere.
func (b *Book) Settle(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[id]
	if !ok {
		return ErrUnknownLock
	}
	switch l.state {
	case LockSettled:
		return nil
	case LockHeld, LockAttested:
		b.reserved[l.asset] -= l.amount
		l.state = LockSettled
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.state)
	}
}

type LockInfo struct {
	Asset     string
	Amount    uint64
	State     LockState
	CreatedAt time.Time
}

func (b *Book) Lookup(id string) (LockInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[id]
	if !ok {
		return LockInfo{}, false
	}
	return LockInfo{Asset: l.asset, Amount: l.amount, State: l.state, CreatedAt: l.createdAt}, true
}

func (b *Book) LockState(id string) LockState {
	info, ok := b.Lookup(id)
	if !ok {
		return LockUnknown
	}
	return info.State
}

// Credit adds amount to available once per ref. A repeated ref reports false
// and leaves the balance untouched.
func (b *Book) Credit(ref, asset string, amount uint64) (bool, error) {
	if amount == 0 {
		return false, ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.credits[ref]; ok {
		return false, nil
	}
	b.credits[ref] = credit{asset: asset, amount: amount, at: b.now()}
	b.available[asset] += amount
	return true, nil
}

func (b *Book) Credited(ref string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.credits[ref]
	return ok
}

func (b *Book) Balance(asset string) Balance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Balance{Available: b.available[asset], Reserved: b.reserved[asset]}
}
