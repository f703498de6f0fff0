// Package verifier validates a proof issued by one adapter before another
// adapter acts on it.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/dedup"
)

var (
	ErrProofExpired   = errors.New("proof expired")
	ErrUnknownIssuer  = errors.New("issuer kind not registered")
	ErrBadSignature   = errors.New("issuer rejected proof signature")
	ErrProofConsumed  = errors.New("proof already consumed")
	ErrProofVoided    = errors.New("proof voided by issuer")
	ErrProofReserved  = errors.New("proof reserved by another transfer")
	ErrIssuerMismatch = errors.New("proof issued by unexpected kind")
)

type Check string

const (
	CheckExpiry    Check = "expiry"
	CheckIssuer    Check = "issuer"
	CheckSignature Check = "signature"
	CheckReplay    Check = "replay"
)

// VerificationError reports which check rejected a proof. It matches both its
// specific cause and adapter.ErrInvalidProof.
type VerificationError struct {
	Check   Check
	ProofID string
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify proof %s: %s check: %v", e.ProofID, e.Check, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	return []error{e.Err, adapter.ErrInvalidProof}
}

// SignatureChecker runs the issuer's backend-specific proof check.
type SignatureChecker interface {
	VerifyProofSignature(ctx context.Context, proof *adapter.Proof) error
}

// Registry resolves the registered issuer of a kind.
type Registry interface {
	Issuer(kind adapter.Kind) (SignatureChecker, error)
}

type Config struct {
	// ReservationTTL bounds how long a successful verification holds the
	// proof for its owner. Zero holds until consumption.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

func DefaultConfig() Config {
	return Config{ReservationTTL: 15 * time.Minute}
}

type Stats struct {
	Verified   uint64
	Rejected   map[Check]uint64
	Errors     uint64
	LastProof  string
	LastResult time.Time
}

type Verifier struct {
	cfg      Config
	registry Registry
	store    dedup.Store
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

type Option func(*Verifier)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func New(cfg Config, registry Registry, store dedup.Store, opts ...Option) *Verifier {
	v := &Verifier{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		stats:    Stats{Rejected: make(map[Check]uint64)},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "proof-verifier")
	return v
}

// Verify runs every check in order and, on success, reserves the proof for
// owner so a concurrent verification for another owner fails.
func (v *Verifier) Verify(ctx context.Context, proof *adapter.Proof, owner string) error {
	if err := v.check(ctx, proof); err != nil {
		return v.record(proof, err)
	}

	err := v.store.Reserve(ctx, proof.ID, owner, v.cfg.ReservationTTL)
	switch {
	case err == nil:
	case errors.Is(err, dedup.ErrReserved):
		err = &VerificationError{Check: CheckReplay, ProofID: proof.ID, Err: ErrProofReserved}
	case errors.Is(err, dedup.ErrConsumed):
		err = &VerificationError{Check: CheckReplay, ProofID: proof.ID, Err: ErrProofConsumed}
	case errors.Is(err, dedup.ErrVoided):
		err = &VerificationError{Check: CheckReplay, ProofID: proof.ID, Err: ErrProofVoided}
	default:
		err = fmt.Errorf("reserve proof %s: %w", proof.ID, err)
	}
	return v.record(proof, err)
}

// VerifyIssuedBy is Verify plus the requirement that issuer produced the proof.
func (v *Verifier) VerifyIssuedBy(ctx context.Context, proof *adapter.Proof, issuer adapter.Kind, owner string) error {
	if proof != nil && proof.Issuer != issuer {
		return v.record(proof, &VerificationError{
			Check:   CheckIssuer,
			ProofID: proof.ID,
			Err:     fmt.Errorf("%w: got %s, want %s", ErrIssuerMismatch, proof.Issuer, issuer),
		})
	}
	return v.Verify(ctx, proof, owner)
}

// Check runs the checks without reserving anything.
func (v *Verifier) Check(ctx context.Context, proof *adapter.Proof) error {
	return v.record(proof, v.check(ctx, proof))
}

func (v *Verifier) check(ctx context.Context, proof *adapter.Proof) error {
	if proof == nil {
		return &VerificationError{Check: CheckIssuer, Err: errors.New("nil proof")}
	}

	if proof.Expired(v.now()) {
		return &VerificationError{Check: CheckExpiry, ProofID: proof.ID,
			Err: fmt.Errorf("%w at %s", ErrProofExpired, proof.ExpiresAt.Format(time.RFC3339))}
	}

	issuer, err := v.registry.Issuer(proof.Issuer)
	if err != nil {
		return &VerificationError{Check: CheckIssuer, ProofID: proof.ID,
			Err: fmt.Errorf("%w: %s: %v", ErrUnknownIssuer, proof.Issuer, err)}
	}

	if err := issuer.VerifyProofSignature(ctx, proof); err != nil {
		if errors.Is(err, adapter.ErrInvalidProof) {
			return &VerificationError{Check: CheckSignature, ProofID: proof.ID,
				Err: fmt.Errorf("%w: %v", ErrBadSignature, err)}
		}
		return fmt.Errorf("issuer %s signature check: %w", proof.Issuer, err)
	}

	state, err := v.store.State(ctx, proof.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup %s: %w", proof.ID, err)
	}
	switch state {
	case dedup.StateConsumed:
		return &VerificationError{Check: CheckReplay, ProofID: proof.ID, Err: ErrProofConsumed}
	case dedup.StateVoided:
		return &VerificationError{Check: CheckReplay, ProofID: proof.ID, Err: ErrProofVoided}
	}
	return nil
}

func (v *Verifier) record(proof *adapter.Proof, err error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if proof != nil {
		v.stats.LastProof = proof.ID
	}
	v.stats.LastResult = v.now()

	var verr *VerificationError
	switch {
	case err == nil:
		v.stats.Verified++
	case errors.As(err, &verr):
		v.stats.Rejected[verr.Check]++
		v.logger.Warn("proof rejected", "proof_id", verr.ProofID, "check", verr.Check, "error", verr.Err)
	default:
		v.stats.Errors++
		v.logger.Error("proof verification error", "error", err)
	}
	return err
}

func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := v.stats
	out.Rejected = make(map[Check]uint64, len(v.stats.Rejected))
	for k, n := range v.stats.Rejected {
		out.Rejected[k] = n
	}
	return out
}
