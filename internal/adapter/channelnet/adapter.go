// Package channelnet provides the settlement adapter for payment-channel
// networks. Proofs carry an HTLC payment hash and its preimage and are signed
// with the node's compact secp256k1 signature.
package channelnet

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/adapter/grpcconn"
	"github.com/marko911/layerbridge/internal/attest"
)

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

type Config struct {
	adapter.Config `yaml:",inline"`

	Node grpcconn.Config `yaml:"node"`

	// NodeKey is the hex secp256k1 identity key of the node.
	NodeKey string `yaml:"node_key"`

	// HTLCExpiry is how long a payment hash stays claimable. Proofs expire
	// with it.
	HTLCExpiry time.Duration `yaml:"htlc_expiry"`
}

func DefaultConfig() Config {
	return Config{
		Config:     adapter.Config{ProofTTL: adapter.DefaultProofTTL},
		Node:       grpcconn.Config{AuthHeader: "macaroon"},
		HTLCExpiry: adapter.DefaultProofTTL,
	}
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("%w: channel_net node: %v", adapter.ErrConfiguration, err)
	}
	if c.NodeKey == "" {
		return fmt.Errorf("%w: channel_net node_key is required", adapter.ErrConfiguration)
	}
	if c.HTLCExpiry > 0 && (c.ProofTTL <= 0 || c.ProofTTL > c.HTLCExpiry) {
		c.ProofTTL = c.HTLCExpiry
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
		Core:   adapter.NewCore(adapter.KindChannelNet, deps),
		cfg:    cfg,
		logger: logger.With("component", "channelnet-adapter"),
	}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindChannelNet }

func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	key, err := attest.ParseSecp256k1Key(cfg.NodeKey)
	if err != nil {
		return fmt.Errorf("%w: node_key: %v", adapter.ErrConfiguration, err)
	}
	signer := attest.NewNodeSignature(key)
	if err := a.Core.Configure(cfg.Config, signer, htlc{}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	a.cfg = cfg
	a.logger.Info("channel network adapter initialized", "node", signer.Identity(), "target", cfg.Node.Target)
	return nil
}

func (a *Adapter) closeLocked() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("close node connection", "error", err)
		}
		a.conn = nil
	}
}

// Connect dials the node and requires its health service to report serving.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.Attestor() == nil {
		return fmt.Errorf("%w: channel_net", adapter.ErrNotInitialized)
	}

	conn, err := grpcconn.Dial(ctx, a.cfg.Node)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	if err := grpcconn.Check(ctx, conn, a.cfg.Node); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	a.conn = conn
	a.logger.Info("connected to node", "target", a.cfg.Node.Target)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: channel_net not connected", adapter.ErrConnection)
	}
	if err := grpcconn.Check(ctx, conn, a.cfg.Node); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	return nil
}

// htlc commits a proof to a fresh payment preimage. The payload is
// payment_hash || preimage.
type htlc struct{}

func (htlc) Commit(adapter.LockHandle, string) ([]byte, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	return append(hash[:], preimage...), nil
}

func (htlc) CheckCommitment(proof *adapter.Proof) error {
	if len(proof.Payload) != 64 {
		return fmt.Errorf("htlc payload length %d", len(proof.Payload))
	}
	hash := sha256.Sum256(proof.Payload[32:])
	if !bytes.Equal(hash[:], proof.Payload[:32]) {
		return fmt.Errorf("preimage does not match payment hash")
	}
	return nil
}
