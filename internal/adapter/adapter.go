// Package adapter defines the capability set every settlement backend
// implements, plus the ledger-backed core the concrete backends share.
package adapter

import (
	"context"
	"time"
)

// Adapter is implemented once per backend kind. Lifecycle state is tracked by
// the manager's handle; implementations only perform the work.
type Adapter interface {
	Kind() Kind

	// Initialize validates configuration and prepares keys and clients. It
	// must release anything a previous call acquired.
	Initialize(ctx context.Context) error

	Connect(ctx context.Context) error

	// Disconnect closes the session but keeps configuration, so Connect alone
	// resumes.
	Disconnect(ctx context.Context) error

	// Supports returns ErrAssetUnsupported for an asset the backend does not
	// settle.
	Supports(asset string) error

	LockFunds(ctx context.Context, asset string, amount uint64) (LockHandle, error)

	// ReleaseLock reverses an unconsumed reservation. Releasing twice, or
	// releasing a lock whose proof was consumed, is a no-op.
	ReleaseLock(ctx context.Context, lock LockHandle) error

	IssueProof(ctx context.Context, lock LockHandle) (*Proof, error)

	// SettleLock finalizes a lock once its proof was consumed by the
	// destination.
	SettleLock(ctx context.Context, lock LockHandle) error

	// ApplyProof credits the destination. Re-delivery of the same proof never
	// credits twice.
	ApplyProof(ctx context.Context, proof *Proof) (Receipt, error)

	VerifyProofSignature(ctx context.Context, proof *Proof) error
}

// HealthChecker is implemented by adapters that can check their session.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config is the section common to every backend configuration.
type Config struct {
	// Assets the backend settles. Empty means the keys of Balances.
	Assets []string `yaml:"assets"`

	// Balances seeds the local ledger mirror on first initialization.
	Balances map[string]uint64 `yaml:"balances"`

	// ProofTTL bounds how long an issued proof may be verified.
	ProofTTL time.Duration `yaml:"proof_ttl"`
}

const DefaultProofTTL = 10 * time.Minute

// SupportedAssets returns Assets, falling back to the funded assets.
func (c Config) SupportedAssets() []string {
	if len(c.Assets) > 0 {
		return c.Assets
	}
	assets := make([]string, 0, len(c.Balances))
	for asset := range c.Balances {
		assets = append(assets, asset)
	}
	return assets
}
