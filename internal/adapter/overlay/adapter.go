// Package overlay provides the settlement adapter for client-side validated
// asset overlays. A proof commits to the asset leaf it moves with a tagged
// hash and is signed with a BIP-340 Schnorr key.
package overlay

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/adapter/grpcconn"
	"github.com/marko911/layerbridge/internal/attest"
)

const commitmentTag = "layerbridge/asset-leaf"

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

type Config struct {
	adapter.Config `yaml:",inline"`

	// Universe is the overlay's universe server.
	Universe grpcconn.Config `yaml:"universe"`

	// IssuerKey is the hex secp256k1 key that signs asset transfers.
	IssuerKey string `yaml:"issuer_key"`
}

func DefaultConfig() Config {
	return Config{
		Config:   adapter.Config{ProofTTL: adapter.DefaultProofTTL},
		Universe: grpcconn.Config{AuthHeader: "macaroon"},
	}
}

func (c *Config) Validate() error {
	if err := c.Universe.Validate(); err != nil {
		return fmt.Errorf("%w: asset_overlay universe: %v", adapter.ErrConfiguration, err)
	}
	if c.IssuerKey == "" {
		return fmt.Errorf("%w: asset_overlay issuer_key is required", adapter.ErrConfiguration)
	}
	return nil
}

type Adapter struct {
	*adapter.Core

	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func New(cfg Config, deps adapter.Deps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Core:   adapter.NewCore(adapter.KindAssetOverlay, deps),
		cfg:    cfg,
		logger: logger.With("component", "overlay-adapter"),
	}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindAssetOverlay }

func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	key, err := attest.ParseSecp256k1Key(cfg.IssuerKey)
	if err != nil {
		return fmt.Errorf("%w: issuer_key: %v", adapter.ErrConfiguration, err)
	}
	signer := attest.NewSchnorr(key)
	if err := a.Core.Configure(cfg.Config, signer, assetLeaf{}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked()
	a.cfg = cfg
	a.logger.Info("asset overlay adapter initialized", "issuer", signer.Identity())
	return nil
}

func (a *Adapter) dropLocked() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.Attestor() == nil {
		return fmt.Errorf("%w: asset_overlay", adapter.ErrNotInitialized)
	}
	conn, err := grpcconn.Dial(ctx, a.cfg.Universe)
	if err != nil {
		return fmt.Errorf("%w: universe: %v", adapter.ErrConnection, err)
	}
	if err := grpcconn.Check(ctx, conn, a.cfg.Universe); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: universe: %v", adapter.ErrConnection, err)
	}

	a.mu.Lock()
	a.dropLocked()
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("connected to universe", "target", a.cfg.Universe.Target)
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked()
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: universe not connected", adapter.ErrConnection)
	}
	if err := grpcconn.Check(ctx, conn, a.cfg.Universe); err != nil {
		return fmt.Errorf("%w: universe: %v", adapter.ErrConnection, err)
	}
	return nil
}

// assetLeaf commits to the asset, amount and lock a proof moves.
type assetLeaf struct{}

func leafHash(asset string, amount uint64, lockID string) []byte {
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	h := attest.TaggedHash(commitmentTag, []byte(asset), amt[:], []byte(lockID))
	return h[:]
}

func (assetLeaf) Commit(lock adapter.LockHandle, _ string) ([]byte, error) {
	return leafHash(lock.Asset, lock.Amount, lock.ID), nil
}

func (assetLeaf) CheckCommitment(proof *adapter.Proof) error {
	if !bytes.Equal(proof.Payload, leafHash(proof.Asset, proof.Amount, proof.LockID)) {
		return fmt.Errorf("asset leaf commitment mismatch")
	}
	return nil
}
