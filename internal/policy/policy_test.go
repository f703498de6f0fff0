package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytecodealliance/wasmtime-go/v30"
	"gopkg.in/yaml.v3"

	"github.com/marko911/layerbridge/internal/adapter"
)

const capWAT = `
(module
  (func (export "allow") (param i32 i32 i64) (result i32)
    local.get 2
    i64.const 1000
    i64.le_u))
`

const spinWAT = `
(module
  (func (export "allow") (param i32 i32 i64) (result i32)
    (loop $spin (br $spin))
    i32.const 1))
`

// assetWAT admits only assets whose name starts with "b".
const assetWAT = `
(module
  (import "env" "asset" (func $asset (param i32 i32) (result i32)))
  (memory (export "memory") 1)
  (func (export "allow") (param i32 i32 i64) (result i32)
    i32.const 0
    i32.const 16
    call $asset
    drop
    i32.const 0
    i32.load8_u
    i32.const 98
    i32.eq))
`

func compile(t *testing.T, name, wat string, fuel uint64) *Module {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("Wat2Wasm: %v", err)
	}
	m, err := NewModule(ModuleConfig{Name: name, Fuel: fuel}, wasm, nil)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	return m
}

func req(asset string, amount uint64) Request {
	return Request{
		TransferID:  "t1",
		Source:      adapter.KindChannelNet,
		Destination: adapter.KindSideChain,
		Asset:       asset,
		Amount:      amount,
	}
}

func TestModule_Verdicts(t *testing.T) {
	ctx := context.Background()
	m := compile(t, "cap", capWAT, 0)

	if err := m.Allow(ctx, req("btc", 1000)); err != nil {
		t.Errorf("amount at cap: %v", err)
	}
	if err := m.Allow(ctx, req("btc", 1001)); !errors.Is(err, ErrDenied) {
		t.Errorf("amount over cap: got %v, want ErrDenied", err)
	}
}

func TestModule_FuelExhaustionDenies(t *testing.T) {
	m := compile(t, "spin", spinWAT, 10_000)

	if err := m.Allow(context.Background(), req("btc", 1)); !errors.Is(err, ErrDenied) {
		t.Errorf("got %v, want ErrDenied", err)
	}
}

func TestModule_ReadsAsset(t *testing.T) {
	ctx := context.Background()
	m := compile(t, "asset", assetWAT, 0)

	if err := m.Allow(ctx, req("btc", 1)); err != nil {
		t.Errorf("btc: %v", err)
	}
	if err := m.Allow(ctx, req("usdc", 1)); !errors.Is(err, ErrDenied) {
		t.Errorf("usdc: got %v, want ErrDenied", err)
	}
}

func TestModule_RejectsGarbage(t *testing.T) {
	if _, err := NewModule(ModuleConfig{Name: "junk"}, []byte("not wasm"), nil); !errors.Is(err, ErrBadModule) {
		t.Errorf("got %v, want ErrBadModule", err)
	}

	wasm, _ := wasmtime.Wat2Wasm(`(module)`)
	m, err := NewModule(ModuleConfig{Name: "empty"}, wasm, nil)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	if err := m.Allow(context.Background(), req("btc", 1)); !errors.Is(err, ErrBadModule) {
		t.Errorf("missing export: got %v, want ErrBadModule", err)
	}
}

func TestLimits(t *testing.T) {
	var cfg Config
	doc := `
limits:
  assets:
    btc: {min: 10, max: 100}
    usdc: {min: 1}
  denied_routes:
    - source: oracle_contract
      destination: sidechain
`
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("yaml: %v", err)
	}

	ctx := context.Background()
	tests := []struct {
		name  string
		req   Request
		allow bool
	}{
		{"within bounds", req("btc", 50), true},
		{"below min", req("btc", 9), false},
		{"above max", req("btc", 101), false},
		{"unbounded max", req("usdc", 1 << 40), true},
		{"unlisted asset", req("eth", 1), false},
		{"denied route", Request{Source: adapter.KindOracleContract, Destination: adapter.KindSideChain, Asset: "btc", Amount: 50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cfg.Limits.Allow(ctx, tt.req)
			if tt.allow && err != nil {
				t.Errorf("unexpected denial: %v", err)
			}
			if !tt.allow && !errors.Is(err, ErrDenied) {
				t.Errorf("got %v, want ErrDenied", err)
			}
		})
	}
}

func TestBuild_LoadsModulesFromDisk(t *testing.T) {
	wasm, err := wasmtime.Wat2Wasm(capWAT)
	if err != nil {
		t.Fatalf("Wat2Wasm: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cap.wasm")
	if err := os.WriteFile(path, wasm, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	chain, err := Build(Config{Modules: []ModuleConfig{{Name: "cap", Path: path}}}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if err := chain.Allow(context.Background(), req("btc", 5000)); !errors.Is(err, ErrDenied) {
		t.Errorf("got %v, want ErrDenied", err)
	}

	if _, err := Build(Config{Modules: []ModuleConfig{{Name: "missing", Path: path + ".nope"}}}, nil); err == nil {
		t.Error("Build with missing file succeeded")
	}
}
