// Package evm provides the settlement adapter for EVM-compatible sidechains.
package evm

import (
	"fmt"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
)

// Config holds the configuration for the sidechain adapter.
type Config struct {
	adapter.Config `yaml:",inline"`

	// Chain identifier (ethereum, polygon, arbitrum, etc.)
	Chain string `yaml:"chain"`

	// ChainID the RPC endpoint must report. Derived from Chain when zero.
	ChainID uint64 `yaml:"chain_id"`

	RPC RPCConfig `yaml:"rpc"`

	// AttesterKey is the hex secp256k1 key that signs proofs issued here.
	AttesterKey string `yaml:"attester_key"`
}

// RPCConfig holds RPC connection settings.
type RPCConfig struct {
	URL string `yaml:"url"`

	// Timeout bounds each dial attempt.
	Timeout time.Duration `yaml:"timeout"`

	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func DefaultConfig() Config {
	return Config{
		Config: adapter.Config{ProofTTL: adapter.DefaultProofTTL},
		RPC: RPCConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
	}
}

// Validate fills derived fields and rejects unusable settings.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("%w: sidechain rpc.url is required", adapter.ErrConfiguration)
	}
	if c.AttesterKey == "" {
		return fmt.Errorf("%w: sidechain attester_key is required", adapter.ErrConfiguration)
	}
	if c.ChainID == 0 {
		c.ChainID = chainNameToID(c.Chain)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("%w: unknown chain %q and no chain_id", adapter.ErrConfiguration, c.Chain)
	}
	if c.RPC.MaxRetries < 0 {
		c.RPC.MaxRetries = 0
	}
	return nil
}

func chainNameToID(chain string) uint64 {
	switch chain {
	case "ethereum":
		return 1
	case "polygon":
		return 137
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	case "base":
		return 8453
	case "avalanche":
		return 43114
	case "bsc":
		return 56
	default:
		return 0
	}
}
