package adapter

import (
	"context"
	"errors"

	"github.com/marko911/layerbridge/internal/ledger"
)

var (
	// ErrConfiguration is returned by Initialize for missing or invalid settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection covers timeouts and refusals talking to a backend. It is
	// transient.
	ErrConnection = errors.New("connection error")

	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrInvalidAmount     = ledger.ErrInvalidAmount
	ErrUnknownLock       = ledger.ErrUnknownLock
	ErrAssetUnsupported  = errors.New("asset unsupported")

	ErrInvalidProof = errors.New("invalid proof")

	// ErrLockInFlight means the proof issued against a lock is reserved by a
	// verification and the lock cannot be released.
	ErrLockInFlight = errors.New("lock backs an in-flight proof")

	ErrNotInitialized    = errors.New("adapter not initialized")
	ErrInvalidState      = errors.New("invalid protocol state")
	ErrProtocolNotActive = errors.New("protocol not active")
)

// IsTransient reports whether an operation that failed with err may succeed
// if retried unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrProtocolNotActive) ||
		errors.Is(err, context.DeadlineExceeded)
}
