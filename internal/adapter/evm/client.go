package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var errNotConnected = errors.New("not connected")

// Client is a reconnectable JSON-RPC session.
type Client struct {
	cfg    RPCConfig
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	connected bool
}

func NewClient(cfg RPCConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "evm-client"),
	}
}

// Connect dials the endpoint, retrying up to MaxRetries times, and returns the
// chain id it reports.
func (c *Client) Connect(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.connected = false
	}

	c.logger.Info("connecting to RPC", "url", c.cfg.URL)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		var chainID *big.Int
		chainID, err = c.dial(ctx)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}

		c.logger.Info("connected successfully", "chain_id", chainID)
		return chainID, nil
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries+1, err)
}

func (c *Client) dial(ctx context.Context) (*big.Int, error) {
	dialCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	client := ethclient.NewClient(rpcClient)

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain ID check: %w", err)
	}

	c.client = client
	c.connected = true
	return chainID, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return 0, errNotConnected
	}
	return client.BlockNumber(ctx)
}
