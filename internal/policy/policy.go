// Package policy decides whether a transfer may start.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/marko911/layerbridge/internal/adapter"
)

var ErrDenied = errors.New("transfer denied by policy")

type Request struct {
	TransferID  string
	Source      adapter.Kind
	Destination adapter.Kind
	Asset       string
	Amount      uint64
}

type Policy interface {
	Allow(ctx context.Context, req Request) error
}

// Chain allows a request only if every policy allows it.
type Chain []Policy

func (c Chain) Allow(ctx context.Context, req Request) error {
	for _, p := range c {
		if err := p.Allow(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

type AssetLimit struct {
	Min uint64 `yaml:"min"`
	Max uint64 `yaml:"max"`
}

type Route struct {
	Source      adapter.Kind `yaml:"source"`
	Destination adapter.Kind `yaml:"destination"`
}

// Limits is a static policy. When Assets is non-empty only the listed assets
// may move; a zero Max means unbounded.
type Limits struct {
	Assets       map[string]AssetLimit `yaml:"assets"`
	DeniedRoutes []Route               `yaml:"denied_routes"`
}

func (l Limits) Allow(_ context.Context, req Request) error {
	for _, r := range l.DeniedRoutes {
		if r.Source == req.Source && r.Destination == req.Destination {
			return fmt.Errorf("%w: route %s -> %s is closed", ErrDenied, req.Source, req.Destination)
		}
	}

	if len(l.Assets) == 0 {
		return nil
	}
	limit, ok := l.Assets[req.Asset]
	if !ok {
		return fmt.Errorf("%w: asset %s not allowed", ErrDenied, req.Asset)
	}
	if req.Amount < limit.Min {
		return fmt.Errorf("%w: %d %s below minimum %d", ErrDenied, req.Amount, req.Asset, limit.Min)
	}
	if limit.Max > 0 && req.Amount > limit.Max {
		return fmt.Errorf("%w: %d %s above maximum %d", ErrDenied, req.Amount, req.Asset, limit.Max)
	}
	return nil
}

type Config struct {
	Limits  Limits         `yaml:"limits"`
	Modules []ModuleConfig `yaml:"modules"`
}

// Build assembles the configured policies, compiling each module from disk.
func Build(cfg Config, logger *slog.Logger) (Chain, error) {
	chain := Chain{cfg.Limits}
	for _, mc := range cfg.Modules {
		wasm, err := os.ReadFile(mc.Path)
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", mc.Name, err)
		}
		m, err := NewModule(mc, wasm, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
	}
	return chain, nil
}
