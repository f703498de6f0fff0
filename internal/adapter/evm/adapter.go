package evm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/attest"
)

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

// Adapter settles on an EVM sidechain. Proofs are signed with an Ethereum
// key and verified by recovering the signer address.
type Adapter struct {
	*adapter.Core

	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *Client
}

func New(cfg Config, deps adapter.Deps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Core:   adapter.NewCore(adapter.KindSideChain, deps),
		cfg:    cfg,
		logger: logger.With("component", "evm-adapter", "chain", cfg.Chain),
	}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindSideChain }

// Initialize validates the configuration, loads the attester key and
// discards any previous RPC session.
func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	signer, err := attest.NewEthereum(cfg.AttesterKey)
	if err != nil {
		return fmt.Errorf("%w: attester_key: %v", adapter.ErrConfiguration, err)
	}
	if err := a.Core.Configure(cfg.Config, signer, nil); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
	}
	a.cfg = cfg
	a.client = NewClient(cfg.RPC, a.logger)

	a.logger.Info("sidechain adapter initialized",
		"chain_id", cfg.ChainID,
		"attester", signer.Address().Hex(),
	)
	return nil
}

func (a *Adapter) session() (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, fmt.Errorf("%w: sidechain", adapter.ErrNotInitialized)
	}
	return a.client, nil
}

// Connect dials the RPC endpoint and checks it serves the configured chain.
func (a *Adapter) Connect(ctx context.Context) error {
	client, err := a.session()
	if err != nil {
		return err
	}

	chainID, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != a.cfg.ChainID {
		_ = client.Close()
		return fmt.Errorf("%w: chain ID mismatch: expected %d, got %s", adapter.ErrConfiguration, a.cfg.ChainID, chainID)
	}
	a.logger.Info("verified chain ID", "chain_id", chainID)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	client, err := a.session()
	if err != nil {
		return err
	}
	return client.Close()
}

// Health reports the node unreachable when it cannot return its head block.
func (a *Adapter) Health(ctx context.Context) error {
	client, err := a.session()
	if err != nil {
		return err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %v", adapter.ErrConnection, err)
	}
	a.logger.Debug("sidechain head", "block", head)
	return nil
}
