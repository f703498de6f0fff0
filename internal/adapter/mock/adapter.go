// Package mock provides an in-memory adapter of any kind with injectable
// failures and delays.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/attest"
)

type Op string

const (
	OpInitialize Op = "initialize"
	OpConnect    Op = "connect"
	OpDisconnect Op = "disconnect"
	OpLock       Op = "lock_funds"
	OpRelease    Op = "release_lock"
	OpIssue      Op = "issue_proof"
	OpSettle     Op = "settle_lock"
	OpApply      Op = "apply_proof"
	OpVerify     Op = "verify_proof_signature"
	OpHealth     Op = "health"
)

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

type Adapter struct {
	*adapter.Core

	kind adapter.Kind
	cfg  adapter.Config
	key  solana.PrivateKey

	mu          sync.Mutex
	queued      map[Op][]error
	sticky      map[Op]error
	delays      map[Op]time.Duration
	calls       map[Op]int
	forgeIssuer adapter.Kind
	forgeSig    bool
}

func New(kind adapter.Kind, cfg adapter.Config, deps adapter.Deps) *Adapter {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return &Adapter{
		Core:   adapter.NewCore(kind, deps),
		kind:   kind,
		cfg:    cfg,
		key:    key,
		queued: make(map[Op][]error),
		sticky: make(map[Op]error),
		delays: make(map[Op]time.Duration),
		calls:  make(map[Op]int),
	}
}

// FailNext makes the next len(errs) calls of op fail in order.
func (a *Adapter) FailNext(op Op, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queued[op] = append(a.queued[op], errs...)
}

// FailAlways makes every call of op fail with err until cleared with nil.
func (a *Adapter) FailAlways(op Op, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.sticky, op)
		return
	}
	a.sticky[op] = err
}

// Delay stalls op for d, or until the call's context ends.
func (a *Adapter) Delay(op Op, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays[op] = d
}

// ForgeIssuer stamps issued proofs with another kind.
func (a *Adapter) ForgeIssuer(kind adapter.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgeIssuer = kind
}

// ForgeSignature corrupts the signature of issued proofs.
func (a *Adapter) ForgeSignature(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgeSig = on
}

func (a *Adapter) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *Adapter) enter(ctx context.Context, op Op) error {
	a.mu.Lock()
	a.calls[op]++
	delay := a.delays[op]
	var err error
	if q := a.queued[op]; len(q) > 0 {
		err, a.queued[op] = q[0], q[1:]
	} else {
		err = a.sticky[op]
	}
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (a *Adapter) Kind() adapter.Kind { return a.kind }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.enter(ctx, OpInitialize); err != nil {
		return err
	}
	return a.Core.Configure(a.cfg, attest.NewEd25519FromKey(a.key), nil)
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.enter(ctx, OpConnect)
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.enter(ctx, OpDisconnect)
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.enter(ctx, OpHealth)
}

func (a *Adapter) LockFunds(ctx context.Context, asset string, amount uint64) (adapter.LockHandle, error) {
	if err := a.enter(ctx, OpLock); err != nil {
		return adapter.LockHandle{}, err
	}
	return a.Core.LockFunds(ctx, asset, amount)
}

func (a *Adapter) ReleaseLock(ctx context.Context, lock adapter.LockHandle) error {
	if err := a.enter(ctx, OpRelease); err != nil {
		return err
	}
	return a.Core.ReleaseLock(ctx, lock)
}

func (a *Adapter) IssueProof(ctx context.Context, lock adapter.LockHandle) (*adapter.Proof, error) {
	if err := a.enter(ctx, OpIssue); err != nil {
		return nil, err
	}
	proof, err := a.Core.IssueProof(ctx, lock)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.forgeIssuer != adapter.KindUnspecified {
		proof.Issuer = a.forgeIssuer
	}
	if a.forgeSig && len(proof.Signature) > 0 {
		proof.Signature[0] ^= 0xff
	}
	return proof, nil
}

func (a *Adapter) SettleLock(ctx context.Context, lock adapter.LockHandle) error {
	if err := a.enter(ctx, OpSettle); err != nil {
		return err
	}
	return a.Core.SettleLock(ctx, lock)
}

func (a *Adapter) ApplyProof(ctx context.Context, proof *adapter.Proof) (adapter.Receipt, error) {
	if err := a.enter(ctx, OpApply); err != nil {
		return adapter.Receipt{}, err
	}
	return a.Core.ApplyProof(ctx, proof)
}

func (a *Adapter) VerifyProofSignature(ctx context.Context, proof *adapter.Proof) error {
	if err := a.enter(ctx, OpVerify); err != nil {
		return err
	}
	return a.Core.VerifyProofSignature(ctx, proof)
}
