// Package manager owns the registered protocol adapters and the transfer
// coordinator that moves value between them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/dedup"
	"github.com/marko911/layerbridge/internal/events"
	"github.com/marko911/layerbridge/internal/policy"
	"github.com/marko911/layerbridge/internal/transfer"
	"github.com/marko911/layerbridge/internal/verifier"
)

var (
	ErrDuplicateKind       = errors.New("protocol kind already registered")
	ErrProtocolUnavailable = errors.New("protocol unavailable")
	ErrKindMismatch        = errors.New("adapter reports a different kind")
	ErrSameKind            = errors.New("source and destination are the same protocol")
)

type Config struct {
	// OpTimeout bounds every adapter call made through a handle.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// HealthInterval is the default period of RunHealthMonitor.
	HealthInterval time.Duration `yaml:"health_interval"`

	Transfer transfer.Config `yaml:"transfer"`
	Verifier verifier.Config `yaml:"verifier"`
}

func DefaultConfig() Config {
	return Config{
		OpTimeout:      30 * time.Second,
		HealthInterval: 60 * time.Second,
		Transfer:       transfer.DefaultConfig(),
		Verifier:       verifier.DefaultConfig(),
	}
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	sink    events.Sink
	store   transfer.Store
	dedup   dedup.Store
	token   transfer.Token
	archive transfer.ProofArchive
	policy  policy.Policy
	now     func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithSink(sink events.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithTransferStore persists transfer records. Defaults to memory.
func WithTransferStore(store transfer.Store) Option {
	return func(o *options) { o.store = store }
}

// WithDedup sets the consumed-proof store. Adapters registered with the
// manager must share it.
func WithDedup(store dedup.Store) Option {
	return func(o *options) { o.dedup = store }
}

func WithToken(token transfer.Token) Option {
	return func(o *options) { o.token = token }
}

func WithArchive(archive transfer.ProofArchive) Option {
	return func(o *options) { o.archive = archive }
}

func WithPolicy(p policy.Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Manager struct {
	cfg    Config
	logger *slog.Logger
	sink   events.Sink
	dedup  dedup.Store
	now    func() time.Time

	verifier    *verifier.Verifier
	coordinator *transfer.Coordinator

	mu      sync.RWMutex
	handles map[adapter.Kind]*Handle
}

func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}

	o := options{
		logger: slog.Default(),
		sink:   events.Discard{},
		store:  transfer.NewMemoryStore(),
		dedup:  dedup.NewMemoryStore(),
		token:  transfer.NewMemoryToken(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  o.logger.With("component", "protocol-manager"),
		sink:    o.sink,
		dedup:   o.dedup,
		now:     o.now,
		handles: make(map[adapter.Kind]*Handle),
	}

	m.verifier = verifier.New(cfg.Verifier, m, o.dedup,
		verifier.WithLogger(o.logger),
		verifier.WithClock(o.now),
	)

	copts := []transfer.Option{
		transfer.WithToken(o.token),
		transfer.WithSink(o.sink),
		transfer.WithLogger(o.logger),
		transfer.WithClock(o.now),
	}
	if o.archive != nil {
		copts = append(copts, transfer.WithArchive(o.archive))
	}
	if o.policy != nil {
		copts = append(copts, transfer.WithPolicy(o.policy))
	}
	m.coordinator = transfer.NewCoordinator(cfg.Transfer, m, m.verifier, o.store, copts...)
	return m
}

// Dedup returns the consumed-proof store adapters must be built with.
func (m *Manager) Dedup() dedup.Store { return m.dedup }

// Register adds an adapter under kind. The adapter starts Uninitialized.
func (m *Manager) Register(kind adapter.Kind, a adapter.Adapter) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", adapter.ErrConfiguration, int32(kind))
	}
	if a == nil {
		return fmt.Errorf("%w: nil adapter for %s", adapter.ErrConfiguration, kind)
	}
	if got := a.Kind(); got != kind {
		return fmt.Errorf("%w: registering %s, adapter is %s", ErrKindMismatch, kind, got)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	m.handles[kind] = newHandle(kind, a, m.cfg.OpTimeout, m.sink, m.logger, m.now)
	m.logger.Info("protocol registered", "kind", kind)
	return nil
}

func (m *Manager) Get(kind adapter.Kind) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProtocolUnavailable, kind)
	}
	return h, nil
}

// Kinds lists registered kinds in enum order.
func (m *Manager) Kinds() []adapter.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]adapter.Kind, 0, len(m.handles))
	for k := range m.handles {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (m *Manager) snapshot() []*Handle {
	kinds := m.Kinds()
	out := make([]*Handle, 0, len(kinds))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range kinds {
		out = append(out, m.handles[k])
	}
	return out
}

// Protocol resolves kind for the transfer coordinator.
func (m *Manager) Protocol(kind adapter.Kind) (transfer.Protocol, error) {
	return m.Get(kind)
}

// Issuer resolves kind for the proof verifier.
func (m *Manager) Issuer(kind adapter.Kind) (verifier.SignatureChecker, error) {
	return m.Get(kind)
}

// each runs fn on every handle concurrently and collects per-kind results.
// One kind failing never stops the others.
func (m *Manager) each(ctx context.Context, fn func(context.Context, *Handle) error) map[adapter.Kind]error {
	handles := m.snapshot()
	results := make(map[adapter.Kind]error, len(handles))
	var mu sync.Mutex

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			err := fn(ctx, h)
			mu.Lock()
			results[h.Kind()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// InitializeAll initializes every registered adapter concurrently. Kinds that
// fail end Failed; the rest remain usable.
func (m *Manager) InitializeAll(ctx context.Context) map[adapter.Kind]error {
	results := m.each(ctx, func(ctx context.Context, h *Handle) error {
		return h.Initialize(ctx)
	})
	m.logResults("initialize", results)
	return results
}

// ConnectAll connects every Ready or Disconnected adapter concurrently.
func (m *Manager) ConnectAll(ctx context.Context) map[adapter.Kind]error {
	results := m.each(ctx, func(ctx context.Context, h *Handle) error {
		switch h.State() {
		case adapter.StateReady, adapter.StateDisconnected:
			return h.Connect(ctx)
		case adapter.StateActive:
			return nil
		default:
			return fmt.Errorf("%w: %s is %s", adapter.ErrInvalidState, h.Kind(), h.State())
		}
	})
	m.logResults("connect", results)
	return results
}

func (m *Manager) logResults(op string, results map[adapter.Kind]error) {
	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	m.logger.Info("bulk operation finished", "op", op, "protocols", len(results), "failed", failed)
}

// TransferRequest is a transfer with an optional caller-chosen id.
type TransferRequest struct {
	ID          string
	Source      adapter.Kind
	Destination adapter.Kind
	Asset       string
	Amount      uint64
}

// CrossLayerTransfer validates the route and hands the transfer to the
// coordinator. It returns the new transfer id without waiting.
func (m *Manager) CrossLayerTransfer(ctx context.Context, src, dst adapter.Kind, asset string, amount uint64) (string, error) {
	return m.SubmitTransfer(ctx, TransferRequest{
		Source:      src,
		Destination: dst,
		Asset:       asset,
		Amount:      amount,
	})
}

func (m *Manager) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Source == req.Destination {
		return "", fmt.Errorf("%w: %s", ErrSameKind, req.Source)
	}
	for _, kind := range []adapter.Kind{req.Source, req.Destination} {
		h, err := m.Get(kind)
		if err != nil {
			return "", err
		}
		if st := h.State(); !st.AllowsFunds() {
			return "", fmt.Errorf("%w: %s is %s", adapter.ErrProtocolNotActive, kind, st)
		}
		if err := h.Supports(req.Asset); err != nil {
			return "", err
		}
	}

	return m.coordinator.Submit(ctx, transfer.Request{
		ID:          req.ID,
		Source:      req.Source,
		Destination: req.Destination,
		Asset:       req.Asset,
		Amount:      req.Amount,
	})
}

// TransferSync submits a transfer and blocks until it reaches a terminal
// phase. The returned error is the record's failure, if any.
func (m *Manager) TransferSync(ctx context.Context, req TransferRequest) (*transfer.Record, error) {
	id, err := m.SubmitTransfer(ctx, req)
	if err != nil {
		return nil, err
	}
	rec, err := m.coordinator.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, rec.Err()
}

func (m *Manager) GetTransferStatus(ctx context.Context, id string) (transfer.Status, error) {
	rec, err := m.coordinator.Get(ctx, id)
	if err != nil {
		return transfer.Status{}, err
	}
	return rec.Status(), nil
}

func (m *Manager) GetTransfer(ctx context.Context, id string) (*transfer.Record, error) {
	return m.coordinator.Get(ctx, id)
}

func (m *Manager) WaitTransfer(ctx context.Context, id string) (*transfer.Record, error) {
	return m.coordinator.Wait(ctx, id)
}

func (m *Manager) CancelTransfer(ctx context.Context, id string) error {
	return m.coordinator.Cancel(ctx, id)
}

func (m *Manager) ListTransfers(ctx context.Context, phases ...transfer.Phase) ([]*transfer.Record, error) {
	return m.coordinator.List(ctx, phases...)
}

// VerifyCrossLayerProof runs every verification check without reserving the
// proof, so it never interferes with a managed transfer.
func (m *Manager) VerifyCrossLayerProof(ctx context.Context, proof *adapter.Proof) error {
	return m.verifier.Check(ctx, proof)
}

// Resume restarts persisted transfers that had not finished.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	return m.coordinator.Resume(ctx)
}

type Report struct {
	Protocols        []HandleStatus `json:"protocols"`
	Transfers        transfer.Stats `json:"transfers"`
	RunningTransfers int            `json:"running_transfers"`
	Verifier         verifier.Stats `json:"verifier"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

func (m *Manager) StatusReport() Report {
	handles := m.snapshot()
	r := Report{
		Protocols:        make([]HandleStatus, 0, len(handles)),
		Transfers:        m.coordinator.Stats(),
		RunningTransfers: m.coordinator.Running(),
		Verifier:         m.verifier.Stats(),
		GeneratedAt:      m.now(),
	}
	for _, h := range handles {
		r.Protocols = append(r.Protocols, h.Status())
	}
	return r
}

// CheckHealth checks every connected adapter once.
func (m *Manager) CheckHealth(ctx context.Context) map[adapter.Kind]error {
	return m.each(ctx, func(ctx context.Context, h *Handle) error {
		return h.CheckHealth(ctx)
	})
}

// RunHealthMonitor checks adapters every interval until ctx ends. A zero
// interval uses the configured default.
func (m *Manager) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.HealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			for kind, err := range m.CheckHealth(ctx) {
				if err != nil && ctx.Err() == nil {
					m.logger.Warn("health check failed", "kind", kind, "error", err)
				}
			}
		}
	}
}

// Shutdown stops the coordinator, leaving unfinished transfers for Resume,
// then disconnects every connected adapter.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if err := m.coordinator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop coordinator: %w", err))
	}

	results := m.each(ctx, func(ctx context.Context, h *Handle) error {
		switch h.State() {
		case adapter.StateActive, adapter.StateDegraded:
			return h.Disconnect(ctx)
		}
		return nil
	})
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("protocol manager shut down", "protocols", len(results))
	return errors.Join(errs...)
}
