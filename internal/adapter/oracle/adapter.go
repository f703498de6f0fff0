// Package oracle provides the settlement adapter for oracle-backed contracts.
// Each proof carries a signed outcome announcement for the lock it releases.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/attest"
)

const outcomeRelease = "release"

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

type Config struct {
	adapter.Config `yaml:",inline"`

	// URL is the oracle's announcement endpoint. GET <URL>/health must answer
	// 200 while the oracle is serving.
	URL string `yaml:"url"`

	// OracleKey is the hex secp256k1 key attestations are signed with.
	OracleKey string `yaml:"oracle_key"`

	Timeout time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Config:  adapter.Config{ProofTTL: adapter.DefaultProofTTL},
		Timeout: 10 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: oracle_contract url is required", adapter.ErrConfiguration)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("%w: oracle_contract url %q is not http(s)", adapter.ErrConfiguration, c.URL)
	}
	if c.OracleKey == "" {
		return fmt.Errorf("%w: oracle_contract oracle_key is required", adapter.ErrConfiguration)
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return nil
}

type Adapter struct {
	*adapter.Core

	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	http      *http.Client
	connected bool
}

func New(cfg Config, deps adapter.Deps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Core:   adapter.NewCore(adapter.KindOracleContract, deps),
		cfg:    cfg,
		logger: logger.With("component", "oracle-adapter"),
	}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindOracleContract }

func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	key, err := attest.ParseSecp256k1Key(cfg.OracleKey)
	if err != nil {
		return fmt.Errorf("%w: oracle_key: %v", adapter.ErrConfiguration, err)
	}
	signer := attest.NewSchnorr(key)
	if err := a.Core.Configure(cfg.Config, signer, announcement{}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		a.http.CloseIdleConnections()
	}
	a.cfg = cfg
	a.http = &http.Client{Timeout: cfg.Timeout}
	a.connected = false
	a.logger.Info("oracle adapter initialized", "oracle", signer.Identity(), "url", cfg.URL)
	return nil
}

func (a *Adapter) ping(ctx context.Context) error {
	a.mu.Lock()
	client := a.http
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: oracle_contract", adapter.ErrNotInitialized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConfiguration, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: oracle health returned %s", adapter.ErrConnection, resp.Status)
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.ping(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info("oracle reachable", "url", a.cfg.URL)
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.http != nil {
		a.http.CloseIdleConnections()
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: oracle not connected", adapter.ErrConnection)
	}
	return a.ping(ctx)
}

// Announcement is the outcome message the oracle attests for a lock.
type Announcement struct {
	EventID string `json:"event_id"`
	LockID  string `json:"lock_id"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
	Outcome string `json:"outcome"`
}

type announcement struct{}

func (announcement) Commit(lock adapter.LockHandle, proofID string) ([]byte, error) {
	return json.Marshal(Announcement{
		EventID: proofID,
		LockID:  lock.ID,
		Asset:   lock.Asset,
		Amount:  lock.Amount,
		Outcome: outcomeRelease,
	})
}

func (announcement) CheckCommitment(proof *adapter.Proof) error {
	var ann Announcement
	if err := json.Unmarshal(proof.Payload, &ann); err != nil {
		return fmt.Errorf("decode announcement: %w", err)
	}
	switch {
	case ann.EventID != proof.ID:
		return fmt.Errorf("announcement event %s does not match proof %s", ann.EventID, proof.ID)
	case ann.LockID != proof.LockID, ann.Asset != proof.Asset, ann.Amount != proof.Amount:
		return fmt.Errorf("announcement does not describe lock %s", proof.LockID)
	case ann.Outcome != outcomeRelease:
		return fmt.Errorf("announcement outcome %q", ann.Outcome)
	}
	return nil
}
