package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/events"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

// Handle owns one registered adapter and its lifecycle state. Lifecycle and
// fund operations on a handle are serialized; operations on different handles
// never block each other. State is readable at any time.
type Handle struct {
	kind      adapter.Kind
	adapter   adapter.Adapter
	opTimeout time.Duration
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time

	// ops is a one-slot semaphore so waiting for it honors the context.
	ops chan struct{}

	mu          sync.RWMutex
	state       adapter.State
	failure     error
	healthy     bool
	lastCheck   time.Time
	errorCount  uint64
	connectedAt time.Time
}

// HandleStatus is a point-in-time view of a handle.
type HandleStatus struct {
	Kind        adapter.Kind  `json:"kind"`
	State       adapter.State `json:"state"`
	Failure     string        `json:"failure,omitempty"`
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check,omitempty"`
	ErrorCount  uint64        `json:"error_count"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	Uptime      time.Duration `json:"uptime"`
}

func newHandle(kind adapter.Kind, a adapter.Adapter, opTimeout time.Duration, sink events.Sink, logger *slog.Logger, now func() time.Time) *Handle {
	return &Handle{
		kind:      kind,
		adapter:   a,
		opTimeout: opTimeout,
		sink:      sink,
		logger:    logger.With("kind", kind),
		now:       now,
		ops:       make(chan struct{}, 1),
		state:     adapter.StateUninitialized,
	}
}

func (h *Handle) Kind() adapter.Kind { return h.kind }

// Adapter returns the wrapped adapter. Callers must not drive it directly.
func (h *Handle) Adapter() adapter.Adapter { return h.adapter }

func (h *Handle) State() adapter.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Failure returns why the handle is Failed, or nil.
func (h *Handle) Failure() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failure
}

func (h *Handle) Status() HandleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := HandleStatus{
		Kind:        h.kind,
		State:       h.state,
		Healthy:     h.healthy,
		LastCheck:   h.lastCheck,
		ErrorCount:  h.errorCount,
		ConnectedAt: h.connectedAt,
	}
	if h.failure != nil {
		st.Failure = h.failure.Error()
	}
	if !h.connectedAt.IsZero() && (h.state == adapter.StateActive || h.state == adapter.StateDegraded) {
		st.Uptime = h.now().Sub(h.connectedAt)
	}
	return st
}

func (h *Handle) acquire(ctx context.Context) (context.Context, func(), error) {
	select {
	case h.ops <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	return opCtx, func() {
		cancel()
		<-h.ops
	}, nil
}

func (h *Handle) setState(next adapter.State, failure error) adapter.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = next
	h.failure = failure
	switch next {
	case adapter.StateActive:
		h.healthy = true
		if prev != adapter.StateDegraded {
			h.connectedAt = h.now()
		}
	case adapter.StateDegraded:
		h.healthy = false
	case adapter.StateDisconnected, adapter.StateFailed:
		h.healthy = false
		h.connectedAt = time.Time{}
	}
	return prev
}

// Initialize runs the adapter's setup from Uninitialized or Failed. Calling it
// on a handle that already initialized is a no-op.
func (h *Handle) Initialize(ctx context.Context) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch st := h.State(); st {
	case adapter.StateUninitialized, adapter.StateFailed:
	default:
		h.logger.Debug("initialize skipped", "state", st)
		return nil
	}

	h.setState(adapter.StateInitializing, nil)
	if err := h.adapter.Initialize(opCtx); err != nil {
		err = fmt.Errorf("initialize %s: %w", h.kind, err)
		h.setState(adapter.StateFailed, err)
		h.logger.Error("protocol initialization failed", "error", err)
		h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_FAILED, err)
		return err
	}

	h.setState(adapter.StateReady, nil)
	h.logger.Info("protocol initialized")
	h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_INITIALIZED, nil)
	return nil
}

// Connect opens a session from Ready or Disconnected. On failure the state is
// left unchanged so the caller may retry.
func (h *Handle) Connect(ctx context.Context) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch st := h.State(); st {
	case adapter.StateReady, adapter.StateDisconnected:
	case adapter.StateActive:
		return nil
	default:
		return fmt.Errorf("%w: cannot connect %s from %s", adapter.ErrInvalidState, h.kind, st)
	}

	if err := h.adapter.Connect(opCtx); err != nil {
		h.mu.Lock()
		h.errorCount++
		h.mu.Unlock()
		if !errors.Is(err, adapter.ErrConnection) {
			err = fmt.Errorf("%w: %w", adapter.ErrConnection, err)
		}
		h.logger.Warn("protocol connect failed", "error", err)
		return fmt.Errorf("connect %s: %w", h.kind, err)
	}

	h.setState(adapter.StateActive, nil)
	h.logger.Info("protocol connected")
	h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_CONNECTED, nil)
	return nil
}

// Disconnect closes the session from Active or Degraded. The handle ends
// Disconnected even when the adapter reports an error closing it.
func (h *Handle) Disconnect(ctx context.Context) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch st := h.State(); st {
	case adapter.StateActive, adapter.StateDegraded:
	case adapter.StateDisconnected:
		return nil
	default:
		return fmt.Errorf("%w: cannot disconnect %s from %s", adapter.ErrInvalidState, h.kind, st)
	}

	err = h.adapter.Disconnect(opCtx)
	h.setState(adapter.StateDisconnected, nil)
	h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_DISCONNECTED, err)
	if err != nil {
		h.logger.Warn("protocol disconnect reported error", "error", err)
		return fmt.Errorf("disconnect %s: %w", h.kind, err)
	}
	h.logger.Info("protocol disconnected")
	return nil
}

// CheckHealth checks an Active or Degraded adapter and moves it between the
// two states. Adapters without a health check are assumed healthy.
func (h *Handle) CheckHealth(ctx context.Context) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	st := h.State()
	if st != adapter.StateActive && st != adapter.StateDegraded {
		return nil
	}

	var healthErr error
	if hc, ok := h.adapter.(adapter.HealthChecker); ok {
		healthErr = hc.Health(opCtx)
	}

	h.mu.Lock()
	h.lastCheck = h.now()
	if healthErr != nil {
		h.errorCount++
	}
	h.mu.Unlock()

	switch {
	case healthErr != nil && st == adapter.StateActive:
		h.setState(adapter.StateDegraded, nil)
		h.logger.Warn("protocol degraded", "error", healthErr)
		h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_DEGRADED, healthErr)
	case healthErr == nil && st == adapter.StateDegraded:
		h.setState(adapter.StateActive, nil)
		h.logger.Info("protocol recovered")
		h.publish(protov1.ProtocolEventType_PROTOCOL_EVENT_TYPE_RECOVERED, nil)
	}
	return healthErr
}

func (h *Handle) requireActive() error {
	if st := h.State(); !st.AllowsFunds() {
		return fmt.Errorf("%w: %s is %s", adapter.ErrProtocolNotActive, h.kind, st)
	}
	return nil
}

func (h *Handle) Supports(asset string) error {
	return h.adapter.Supports(asset)
}

func (h *Handle) LockFunds(ctx context.Context, asset string, amount uint64) (adapter.LockHandle, error) {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return adapter.LockHandle{}, err
	}
	defer release()

	if err := h.requireActive(); err != nil {
		return adapter.LockHandle{}, err
	}
	return h.adapter.LockFunds(opCtx, asset, amount)
}

// ReleaseLock is also permitted while Degraded so rollbacks can proceed.
func (h *Handle) ReleaseLock(ctx context.Context, lock adapter.LockHandle) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if st := h.State(); st != adapter.StateActive && st != adapter.StateDegraded {
		return fmt.Errorf("%w: %s is %s", adapter.ErrProtocolNotActive, h.kind, st)
	}
	return h.adapter.ReleaseLock(opCtx, lock)
}

func (h *Handle) IssueProof(ctx context.Context, lock adapter.LockHandle) (*adapter.Proof, error) {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := h.requireActive(); err != nil {
		return nil, err
	}
	return h.adapter.IssueProof(opCtx, lock)
}

// SettleLock only touches the local ledger, so it runs in any initialized
// state and a commit never waits for the source to reconnect.
func (h *Handle) SettleLock(ctx context.Context, lock adapter.LockHandle) error {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch st := h.State(); st {
	case adapter.StateUninitialized, adapter.StateInitializing, adapter.StateFailed:
		return fmt.Errorf("%w: %s is %s", adapter.ErrNotInitialized, h.kind, st)
	}
	return h.adapter.SettleLock(opCtx, lock)
}

func (h *Handle) ApplyProof(ctx context.Context, proof *adapter.Proof) (adapter.Receipt, error) {
	opCtx, release, err := h.acquire(ctx)
	if err != nil {
		return adapter.Receipt{}, err
	}
	defer release()

	if err := h.requireActive(); err != nil {
		return adapter.Receipt{}, err
	}
	return h.adapter.ApplyProof(opCtx, proof)
}

// VerifyProofSignature is read-only and does not queue behind fund
// operations. It needs an initialized adapter.
func (h *Handle) VerifyProofSignature(ctx context.Context, proof *adapter.Proof) error {
	switch st := h.State(); st {
	case adapter.StateUninitialized, adapter.StateInitializing, adapter.StateFailed:
		return fmt.Errorf("%w: %s is %s", adapter.ErrNotInitialized, h.kind, st)
	}
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	return h.adapter.VerifyProofSignature(ctx, proof)
}

func (h *Handle) publish(typ protov1.ProtocolEventType, cause error) {
	ev := &protov1.ProtocolEvent{
		EventId:       uuid.NewString(),
		Kind:          protov1.ProtocolKind(h.kind),
		Type:          typ,
		State:         h.State().String(),
		OccurredAt:    h.now(),
		SchemaVersion: protov1.SchemaVersion,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()
	if err := h.sink.PublishProtocol(ctx, ev); err != nil {
		h.logger.Warn("publish protocol event failed", "type", typ, "error", err)
	}
}
