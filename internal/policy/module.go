package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v30"
)

var ErrBadModule = errors.New("invalid policy module")

// ModuleConfig describes a sandboxed admission module. The module exports
//
//	allow(source i32, destination i32, amount i64) -> i32
//
// returning non-zero to admit. It may import env.log, env.asset_len and
// env.asset to log and to read the asset name.
type ModuleConfig struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Fuel        uint64 `yaml:"fuel"`
	MaxMemoryMB int    `yaml:"max_memory_mb"`
}

// Module evaluates one compiled policy. Calls are serialized; each call runs
// in a fresh store so guests keep no state between transfers.
type Module struct {
	cfg    ModuleConfig
	engine *wasmtime.Engine
	module *wasmtime.Module
	logger *slog.Logger

	mu sync.Mutex
}

func NewModule(cfg ModuleConfig, wasm []byte, logger *slog.Logger) (*Module, error) {
	if cfg.Fuel == 0 {
		cfg.Fuel = 1_000_000
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	engineCfg := wasmtime.NewConfig()
	engineCfg.SetEpochInterruption(true)
	engineCfg.SetConsumeFuel(true)
	engine := wasmtime.NewEngineWithConfig(engineCfg)

	module, err := wasmtime.NewModule(engine, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrBadModule, cfg.Name, err)
	}

	return &Module{
		cfg:    cfg,
		engine: engine,
		module: module,
		logger: logger.With("component", "policy-module", "module", cfg.Name),
	}, nil
}

func (m *Module) Allow(ctx context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store := wasmtime.NewStore(m.engine)
	defer store.Close()

	store.Limiter(int64(m.cfg.MaxMemoryMB)*1024*1024, -1, 1, 1, 1)
	store.SetEpochDeadline(1)
	if err := store.SetFuel(m.cfg.Fuel); err != nil {
		return fmt.Errorf("set fuel: %w", err)
	}

	linker := wasmtime.NewLinker(m.engine)
	store.SetWasi(wasmtime.NewWasiConfig())
	if err := linker.DefineWasi(); err != nil {
		return fmt.Errorf("define wasi: %w", err)
	}
	if err := m.defineHost(linker, store, req); err != nil {
		return fmt.Errorf("define host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, m.module)
	if err != nil {
		return fmt.Errorf("%w: instantiate %s: %v", ErrBadModule, m.cfg.Name, err)
	}

	// Reactor guests built for wasip1 need their runtime initialized.
	if init := instance.GetFunc(store, "_initialize"); init != nil {
		if _, err := init.Call(store); err != nil {
			return m.trapError(err)
		}
	}

	allow := instance.GetFunc(store, "allow")
	if allow == nil {
		return fmt.Errorf("%w: %s does not export allow", ErrBadModule, m.cfg.Name)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.engine.IncrementEpoch()
		case <-done:
		}
	}()

	result, err := allow.Call(store, int32(req.Source), int32(req.Destination), int64(req.Amount))
	if err != nil {
		return m.trapError(err)
	}

	verdict, ok := result.(int32)
	if !ok {
		return fmt.Errorf("%w: %s allow returned %T", ErrBadModule, m.cfg.Name, result)
	}
	if verdict == 0 {
		return fmt.Errorf("%w: module %s rejected %d %s %s -> %s",
			ErrDenied, m.cfg.Name, req.Amount, req.Asset, req.Source, req.Destination)
	}
	return nil
}

func (m *Module) trapError(err error) error {
	if trap, ok := err.(*wasmtime.Trap); ok && trap.Code() != nil {
		switch *trap.Code() {
		case wasmtime.OutOfFuel:
			return fmt.Errorf("%w: module %s exhausted %d fuel", ErrDenied, m.cfg.Name, m.cfg.Fuel)
		case wasmtime.Interrupt:
			return fmt.Errorf("module %s interrupted: %w", m.cfg.Name, context.Canceled)
		}
	}
	return fmt.Errorf("%w: module %s trapped: %v", ErrDenied, m.cfg.Name, err)
}

// defineHost adds env.log(level, ptr, len), env.asset_len() and
// env.asset(ptr, len) to the linker.
func (m *Module) defineHost(linker *wasmtime.Linker, store *wasmtime.Store, req Request) error {
	i32 := wasmtime.NewValType(wasmtime.KindI32)

	logFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32, i32}, []*wasmtime.ValType{}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			level, ptr, length := args[0].I32(), args[1].I32(), args[2].I32()

			memory := caller.GetExport("memory")
			if memory == nil || memory.Memory() == nil {
				return nil, nil
			}
			data := memory.Memory().UnsafeData(caller)
			if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
				return nil, nil
			}
			msg := string(data[ptr : ptr+length])

			switch {
			case level >= 2:
				m.logger.Warn(msg, "transfer_id", req.TransferID)
			case level == 1:
				m.logger.Info(msg, "transfer_id", req.TransferID)
			default:
				m.logger.Debug(msg, "transfer_id", req.TransferID)
			}
			return nil, nil
		})
	if err := linker.Define(store, "env", "log", logFunc); err != nil {
		return err
	}

	assetLenFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{}, []*wasmtime.ValType{i32}),
		func(*wasmtime.Caller, []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{wasmtime.ValI32(int32(len(req.Asset)))}, nil
		})
	if err := linker.Define(store, "env", "asset_len", assetLenFunc); err != nil {
		return err
	}

	// asset copies the asset name into guest memory and returns the bytes
	// copied, or -1.
	assetFunc := wasmtime.NewFunc(store,
		wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32}, []*wasmtime.ValType{i32}),
		func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr, maxLen := args[0].I32(), args[1].I32()

			memory := caller.GetExport("memory")
			if memory == nil || memory.Memory() == nil {
				return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
			}
			data := memory.Memory().UnsafeData(caller)
			if ptr < 0 || maxLen < 0 || int(ptr)+int(maxLen) > len(data) {
				return []wasmtime.Val{wasmtime.ValI32(-1)}, nil
			}
			n := copy(data[ptr:ptr+maxLen], req.Asset)
			return []wasmtime.Val{wasmtime.ValI32(int32(n))}, nil
		})
	return linker.Define(store, "env", "asset", assetFunc)
}
