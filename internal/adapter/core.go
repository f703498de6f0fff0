package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/layerbridge/internal/attest"
	"github.com/marko911/layerbridge/internal/dedup"
	"github.com/marko911/layerbridge/internal/ledger"
)

// Commitment builds and checks the backend-specific payload a proof carries.
type Commitment interface {
	Commit(lock LockHandle, proofID string) ([]byte, error)
	CheckCommitment(proof *Proof) error
}

// Deps are the collaborators shared by every backend of one manager.
type Deps struct {
	// Dedup records consumed proofs. It must be the store the verifier uses.
	Dedup dedup.Store

	Logger *slog.Logger

	Clock func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Dedup == nil {
		d.Dedup = dedup.NewMemoryStore()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// Core implements the fund and proof operations on a local ledger. Backends
// embed it and supply their own attestor and commitment at Initialize.
type Core struct {
	kind  Kind
	book  *ledger.Book
	dedup dedup.Store
	now   func() time.Time

	mu         sync.Mutex
	assets     map[string]struct{}
	attestor   attest.Attestor
	commitment Commitment
	proofTTL   time.Duration
	funded     bool
	issued     map[string]*Proof
}

func NewCore(kind Kind, deps Deps) *Core {
	deps = deps.withDefaults()
	return &Core{
		kind:   kind,
		book:   ledger.New(),
		dedup:  deps.Dedup,
		now:    deps.Clock,
		issued: make(map[string]*Proof),
	}
}

func (c *Core) Kind() Kind { return c.kind }

// Configure installs the attestation scheme. Opening balances are deposited
// only the first time, so re-initializing never mints funds.
func (c *Core) Configure(cfg Config, attestor attest.Attestor, commitment Commitment) error {
	if attestor == nil {
		return fmt.Errorf("%w: %s has no attestor", ErrConfiguration, c.kind)
	}
	assets := cfg.SupportedAssets()
	if len(assets) == 0 {
		return fmt.Errorf("%w: %s settles no assets", ErrConfiguration, c.kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.assets = make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		c.assets[asset] = struct{}{}
	}
	c.attestor = attestor
	c.commitment = commitment
	c.proofTTL = cfg.ProofTTL
	if c.proofTTL <= 0 {
		c.proofTTL = DefaultProofTTL
	}

	if !c.funded {
		for asset, amount := range cfg.Balances {
			c.book.Deposit(asset, amount)
		}
		c.funded = true
	}
	return nil
}

func (c *Core) Attestor() attest.Attestor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attestor
}

func (c *Core) Balance(asset string) ledger.Balance {
	return c.book.Balance(asset)
}

// Supports reports whether asset settles on this backend.
func (c *Core) Supports(asset string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supports(asset)
}

func (c *Core) supports(asset string) error {
	if c.attestor == nil {
		return fmt.Errorf("%w: %s", ErrNotInitialized, c.kind)
	}
	if _, ok := c.assets[asset]; !ok {
		return fmt.Errorf("%w: %s on %s", ErrAssetUnsupported, asset, c.kind)
	}
	return nil
}

func (c *Core) LockFunds(_ context.Context, asset string, amount uint64) (LockHandle, error) {
	c.mu.Lock()
	err := c.supports(asset)
	c.mu.Unlock()
	if err != nil {
		return LockHandle{}, err
	}

	id, err := c.book.Lock(asset, amount)
	if err != nil {
		return LockHandle{}, fmt.Errorf("lock %d %s on %s: %w", amount, asset, c.kind, err)
	}
	return LockHandle{
		ID:        id,
		Kind:      c.kind,
		Asset:     asset,
		Amount:    amount,
		CreatedAt: c.now(),
	}, nil
}

func (c *Core) ReleaseLock(ctx context.Context, lock LockHandle) error {
	info, ok := c.book.Lookup(lock.ID)
	if !ok || lock.Kind != c.kind {
		return fmt.Errorf("%w: %s on %s", ErrUnknownLock, lock.ID, c.kind)
	}

	switch info.State {
	case ledger.LockHeld:
		_, err := c.book.Release(lock.ID)
		return err

	case ledger.LockAttested:
		c.mu.Lock()
		proof := c.issued[lock.ID]
		c.mu.Unlock()
		if proof == nil {
			return fmt.Errorf("%w: no proof recorded for attested lock %s", ErrUnknownLock, lock.ID)
		}

		err := c.dedup.Void(ctx, proof.ID)
		switch {
		case err == nil:
			_, err = c.book.Release(lock.ID)
			return err
		case errors.Is(err, dedup.ErrConsumed):
			return c.book.Settle(lock.ID)
		case errors.Is(err, dedup.ErrReserved):
			return fmt.Errorf("%w: proof %s", ErrLockInFlight, proof.ID)
		default:
			return fmt.Errorf("%w: void proof %s: %v", ErrConnection, proof.ID, err)
		}

	default:
		return nil
	}
}

// SettleLock drops the reservation behind a lock whose proof a destination
// consumed. Settling twice is a no-op; a proof not yet consumed is
// ErrLockInFlight.
func (c *Core) SettleLock(ctx context.Context, lock LockHandle) error {
	info, ok := c.book.Lookup(lock.ID)
	if !ok || lock.Kind != c.kind {
		return fmt.Errorf("%w: %s on %s", ErrUnknownLock, lock.ID, c.kind)
	}

	switch info.State {
	case ledger.LockSettled:
		return nil
	case ledger.LockAttested:
	default:
		return fmt.Errorf("%w: lock %s is %s", ledger.ErrLockNotHeld, lock.ID, info.State)
	}

	c.mu.Lock()
	proof := c.issued[lock.ID]
	c.mu.Unlock()
	if proof == nil {
		return fmt.Errorf("%w: no proof recorded for attested lock %s", ErrUnknownLock, lock.ID)
	}

	st, err := c.dedup.State(ctx, proof.ID)
	if err != nil {
		return fmt.Errorf("%w: proof %s state: %v", ErrConnection, proof.ID, err)
	}
	if st != dedup.StateConsumed {
		return fmt.Errorf("%w: proof %s is %s", ErrLockInFlight, proof.ID, st)
	}
	return c.book.Settle(lock.ID)
}

// IssueProof attests the lock. Issuing again for the same lock returns the
// proof issued the first time.
func (c *Core) IssueProof(_ context.Context, lock LockHandle) (*Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attestor == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, c.kind)
	}
	if lock.Kind != c.kind {
		return nil, fmt.Errorf("%w: lock belongs to %s", ErrUnknownLock, lock.Kind)
	}
	if p, ok := c.issued[lock.ID]; ok {
		return p.Clone(), nil
	}

	info, ok := c.book.Lookup(lock.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLock, lock.ID)
	}
	if info.State != ledger.LockHeld {
		return nil, fmt.Errorf("%w: lock %s", ledger.ErrLockNotHeld, info.State)
	}

	now := c.now()
	proof := &Proof{
		ID:        uuid.NewString(),
		Issuer:    c.kind,
		LockID:    lock.ID,
		Asset:     info.Asset,
		Amount:    info.Amount,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.proofTTL),
	}
	if c.commitment != nil {
		held := LockHandle{ID: lock.ID, Kind: c.kind, Asset: info.Asset, Amount: info.Amount, CreatedAt: info.CreatedAt}
		payload, err := c.commitment.Commit(held, proof.ID)
		if err != nil {
			return nil, fmt.Errorf("build commitment: %w", err)
		}
		proof.Payload = payload
	}

	sig, err := c.attestor.Sign(proof.Digest())
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	proof.Signature = sig

	if err := c.book.Attest(lock.ID); err != nil {
		return nil, err
	}
	c.issued[lock.ID] = proof
	return proof.Clone(), nil
}

func (c *Core) VerifyProofSignature(_ context.Context, proof *Proof) error {
	c.mu.Lock()
	attestor, commitment := c.attestor, c.commitment
	c.mu.Unlock()

	if attestor == nil {
		return fmt.Errorf("%w: %s", ErrNotInitialized, c.kind)
	}
	if proof == nil {
		return fmt.Errorf("%w: nil proof", ErrInvalidProof)
	}
	if proof.Issuer != c.kind {
		return fmt.Errorf("%w: issued by %s, checked by %s", ErrInvalidProof, proof.Issuer, c.kind)
	}
	if err := attestor.Verify(proof.Digest(), proof.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if commitment != nil {
		if err := commitment.CheckCommitment(proof); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}
	return nil
}

func (c *Core) ApplyProof(ctx context.Context, proof *Proof) (Receipt, error) {
	if proof == nil {
		return Receipt{}, fmt.Errorf("%w: nil proof", ErrInvalidProof)
	}

	c.mu.Lock()
	err := c.supports(proof.Asset)
	c.mu.Unlock()
	if err != nil {
		return Receipt{}, err
	}
	if proof.Issuer == c.kind {
		return Receipt{}, fmt.Errorf("%w: %s cannot apply its own proof", ErrInvalidProof, c.kind)
	}
	if proof.Amount == 0 {
		return Receipt{}, fmt.Errorf("%w: zero amount", ErrInvalidProof)
	}

	receipt := Receipt{
		ProofID:   proof.ID,
		Kind:      c.kind,
		Asset:     proof.Asset,
		Amount:    proof.Amount,
		AppliedAt: c.now(),
	}
	if c.book.Credited(proof.ID) {
		return receipt, nil
	}

	// A repeat by this backend means an earlier attempt consumed the proof but
	// never credited it.
	first, err := c.dedup.Consume(ctx, proof.ID, c.kind.String())
	if err != nil {
		if errors.Is(err, dedup.ErrVoided) {
			return Receipt{}, fmt.Errorf("%w: proof %s was voided", ErrInvalidProof, proof.ID)
		}
		return Receipt{}, fmt.Errorf("%w: consume proof %s: %v", ErrConnection, proof.ID, err)
	}
	if !first {
		return Receipt{}, fmt.Errorf("%w: proof %s already consumed elsewhere", ErrInvalidProof, proof.ID)
	}

	credited, err := c.book.Credit(proof.ID, proof.Asset, proof.Amount)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Credited = credited
	return receipt, nil
}
