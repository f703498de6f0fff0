package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/events"
	"github.com/marko911/layerbridge/internal/policy"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

// Protocol is the slice of a registered adapter the coordinator drives.
type Protocol interface {
	State() adapter.State
	Supports(asset string) error
	LockFunds(ctx context.Context, asset string, amount uint64) (adapter.LockHandle, error)
	ReleaseLock(ctx context.Context, lock adapter.LockHandle) error
	IssueProof(ctx context.Context, lock adapter.LockHandle) (*adapter.Proof, error)
	SettleLock(ctx context.Context, lock adapter.LockHandle) error
	ApplyProof(ctx context.Context, proof *adapter.Proof) (adapter.Receipt, error)
}

type Protocols interface {
	Protocol(kind adapter.Kind) (Protocol, error)
}

type ProofVerifier interface {
	VerifyIssuedBy(ctx context.Context, proof *adapter.Proof, issuer adapter.Kind, owner string) error
}

// ProofArchive keeps proofs of finished transfers for audit.
type ProofArchive interface {
	StoreProof(ctx context.Context, transferID, outcome string, proof *adapter.Proof) error
}

type Request struct {
	// ID is generated when empty.
	ID          string
	Source      adapter.Kind
	Destination adapter.Kind
	Asset       string
	Amount      uint64
}

type Config struct {
	// PhaseTimeout bounds every adapter call. A call that stalls past it is a
	// transient failure.
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// MaxCreditAttempts caps apply_proof attempts before the transfer fails
	// with ReasonDestinationCreditFailed.
	MaxCreditAttempts int `yaml:"max_credit_attempts"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

func DefaultConfig() Config {
	return Config{
		PhaseTimeout:      30 * time.Second,
		MaxCreditAttempts: 3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
	}
}

type Stats struct {
	Submitted  uint64
	Committed  uint64
	RolledBack uint64
	Failed     uint64
	Retries    uint64
}

type run struct {
	mu        sync.Mutex
	canceled  bool
	proofSent bool
	done      chan struct{}
}

type Coordinator struct {
	cfg       Config
	protocols Protocols
	verifier  ProofVerifier
	store     Store
	outbox    OutboxStore
	token     Token
	sink      events.Sink
	archive   ProofArchive
	policy    policy.Policy
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	stats   Stats
	stopped bool
}

type Option func(*Coordinator)

func WithToken(token Token) Option {
	return func(c *Coordinator) { c.token = token }
}

func WithSink(sink events.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

func WithArchive(archive ProofArchive) Option {
	return func(c *Coordinator) { c.archive = archive }
}

func WithPolicy(p policy.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(cfg Config, protocols Protocols, verifier ProofVerifier, store Store, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = def.PhaseTimeout
	}
	if cfg.MaxCreditAttempts <= 0 {
		cfg.MaxCreditAttempts = def.MaxCreditAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		protocols: protocols,
		verifier:  verifier,
		store:     store,
		token:     NewMemoryToken(),
		sink:      events.Discard{},
		logger:    slog.Default(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	if ob, ok := store.(OutboxStore); ok {
		c.outbox = ob
	}
	c.logger = c.logger.With("component", "transfer-coordinator")
	return c
}

// Submit persists a Pending record and starts driving it. It returns as soon
// as the record exists.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	id := req.ID
	if id == "" {
		id = NewID(req.Source, req.Destination)
	}
	now := c.now()
	rec := &Record{
		ID:          id,
		Source:      req.Source,
		Destination: req.Destination,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Phase:       PhasePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ev := rec.Event(0)
	if c.outbox != nil {
		if err := c.outbox.CreateWithEvent(ctx, rec, ev); err != nil {
			return "", err
		}
	} else {
		if err := c.store.Create(ctx, rec); err != nil {
			return "", err
		}
		c.publish(ctx, rec, ev)
	}

	c.mu.Lock()
	c.stats.Submitted++
	c.mu.Unlock()

	c.logger.Info("transfer submitted",
		"transfer_id", id,
		"source", req.Source,
		"destination", req.Destination,
		"asset", req.Asset,
		"amount", req.Amount,
	)
	c.start(rec)
	return id, nil
}

// Resume restarts every non-terminal record not already running here.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	recs, err := c.store.Scan(ctx, NonTerminalPhases()...)
	if err != nil {
		return 0, fmt.Errorf("scan unfinished transfers: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		if c.start(rec) {
			resumed++
			c.logger.Info("resuming transfer", "transfer_id", rec.ID, "phase", rec.Phase)
		}
	}
	return resumed, nil
}

func (c *Coordinator) start(rec *Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	if _, ok := c.runs[rec.ID]; ok {
		return false
	}

	r := &run{
		done:      make(chan struct{}),
		proofSent: rec.Phase >= PhaseProofIssued,
	}
	c.runs[rec.ID] = r
	c.wg.Add(1)
	go c.execute(r, rec.ID)
	return true
}

func (c *Coordinator) execute(r *run, id string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.runs, id)
		c.mu.Unlock()
		close(r.done)
	}()

	logger := c.logger.With("transfer_id", id)

	lease, err := c.token.Acquire(c.ctx, id)
	if err != nil {
		logger.Warn("transfer token unavailable", "error", err)
		return
	}
	defer lease.Release()

	rec, err := c.store.Get(c.ctx, id)
	if err != nil {
		logger.Error("load transfer", "error", err)
		return
	}

	for !rec.Phase.Terminal() {
		if wait := rec.NextAttemptAt.Sub(c.now()); wait > 0 {
			c.sleep(wait, lease.Lost())
		}
		if c.stopping() {
			logger.Info("transfer paused for shutdown", "phase", rec.Phase)
			return
		}
		// Another worker may own the transfer now; leave it the persisted phase.
		select {
		case <-lease.Lost():
			logger.Error("transfer token lost, abandoning run", "phase", rec.Phase)
			return
		default:
		}

		next := rec.Clone()
		if err := c.step(r, next); err != nil {
			if errors.Is(err, ErrStopped) {
				logger.Info("transfer paused for shutdown", "phase", rec.Phase)
			} else {
				logger.Error("transfer step failed", "phase", rec.Phase, "error", err)
			}
			return
		}
		rec = next
	}

	logger.Info("transfer finished",
		"phase", rec.Phase,
		"reason", rec.Reason,
		"retry_count", rec.RetryCount,
	)
}

func (c *Coordinator) step(r *run, rec *Record) error {
	switch rec.Phase {
	case PhasePending:
		return c.lockSource(r, rec)
	case PhaseSourceLocked:
		return c.issueProof(r, rec)
	case PhaseProofIssued:
		return c.verifyProof(rec)
	case PhaseProofVerified:
		return c.creditDestination(rec)
	case PhaseDestinationCredited:
		c.settleSource(rec)
		return c.finish(rec, PhaseCommitted, ReasonNone, nil)
	default:
		return fmt.Errorf("%w: no step for %s", ErrIllegalTransition, rec.Phase)
	}
}

func (c *Coordinator) lockSource(r *run, rec *Record) error {
	r.mu.Lock()
	canceled := r.canceled
	r.mu.Unlock()
	if canceled {
		return c.finish(rec, PhaseFailed, ReasonCanceled, ErrCanceled)
	}

	ctx, cancel := c.phaseContext()
	defer cancel()

	src, err := c.precondition(ctx, rec)
	if err != nil {
		if c.stopping() {
			return ErrStopped
		}
		return c.finish(rec, PhaseFailed, ReasonPreconditionNotMet, err)
	}

	lock, err := src.LockFunds(ctx, rec.Asset, rec.Amount)
	if err != nil {
		if c.stopping() {
			return ErrStopped
		}
		return c.finish(rec, PhaseFailed, ReasonLockFailed, err)
	}

	rec.Lock = &lock
	return c.transition(rec, PhaseSourceLocked, ReasonNone, nil)
}

func (c *Coordinator) precondition(ctx context.Context, rec *Record) (Protocol, error) {
	switch {
	case rec.Source == rec.Destination:
		return nil, fmt.Errorf("source and destination are both %s", rec.Source)
	case rec.Amount == 0:
		return nil, adapter.ErrInvalidAmount
	case rec.Asset == "":
		return nil, errors.New("asset is required")
	}

	src, err := c.protocols.Protocol(rec.Source)
	if err != nil {
		return nil, err
	}
	dst, err := c.protocols.Protocol(rec.Destination)
	if err != nil {
		return nil, err
	}
	if s := src.State(); !s.AllowsFunds() {
		return nil, fmt.Errorf("%w: source %s is %s", adapter.ErrProtocolNotActive, rec.Source, s)
	}
	if s := dst.State(); !s.AllowsFunds() {
		return nil, fmt.Errorf("%w: destination %s is %s", adapter.ErrProtocolNotActive, rec.Destination, s)
	}
	if err := src.Supports(rec.Asset); err != nil {
		return nil, err
	}
	if err := dst.Supports(rec.Asset); err != nil {
		return nil, err
	}

	if c.policy != nil {
		err := c.policy.Allow(ctx, policy.Request{
			TransferID:  rec.ID,
			Source:      rec.Source,
			Destination: rec.Destination,
			Asset:       rec.Asset,
			Amount:      rec.Amount,
		})
		if err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (c *Coordinator) issueProof(r *run, rec *Record) error {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return c.rollback(rec, ReasonCanceled, ErrCanceled)
	}
	r.proofSent = true
	r.mu.Unlock()

	src, err := c.protocols.Protocol(rec.Source)
	if err != nil {
		return c.rollback(rec, ReasonProofIssueFailed, err)
	}

	ctx, cancel := c.phaseContext()
	defer cancel()

	proof, err := src.IssueProof(ctx, *rec.Lock)
	if err != nil {
		if c.stopping() {
			return ErrStopped
		}
		return c.rollback(rec, ReasonProofIssueFailed, err)
	}

	rec.Proof = proof
	return c.transition(rec, PhaseProofIssued, ReasonNone, nil)
}

func (c *Coordinator) verifyProof(rec *Record) error {
	ctx, cancel := c.phaseContext()
	defer cancel()

	err := c.verifier.VerifyIssuedBy(ctx, rec.Proof, rec.Source, rec.ID)
	if err != nil {
		if c.stopping() {
			return ErrStopped
		}
		reason := ReasonVerificationFailed
		if errors.Is(err, adapter.ErrInvalidProof) {
			reason = ReasonInvalidProof
		}
		return c.rollback(rec, reason, err)
	}
	return c.transition(rec, PhaseProofVerified, ReasonNone, nil)
}

func (c *Coordinator) creditDestination(rec *Record) error {
	ctx, cancel := c.phaseContext()
	defer cancel()

	dst, err := c.protocols.Protocol(rec.Destination)
	if err == nil {
		_, err = dst.ApplyProof(ctx, rec.Proof)
	}
	if err == nil {
		rec.NextAttemptAt = time.Time{}
		return c.transition(rec, PhaseDestinationCredited, ReasonNone, nil)
	}
	if c.stopping() {
		return ErrStopped
	}

	rec.RetryCount++
	if adapter.IsTransient(err) && rec.RetryCount < c.cfg.MaxCreditAttempts {
		delay := c.backoff(rec.RetryCount)
		rec.NextAttemptAt = c.now().Add(delay)

		c.mu.Lock()
		c.stats.Retries++
		c.mu.Unlock()

		c.logger.Warn("destination credit failed, retrying",
			"transfer_id", rec.ID,
			"attempt", rec.RetryCount,
			"max_attempts", c.cfg.MaxCreditAttempts,
			"backoff", delay,
			"error", err,
		)
		return c.transition(rec, PhaseProofVerified, ReasonNone, err)
	}

	rec.NextAttemptAt = time.Time{}
	c.logger.Error("destination credit failed, operator action required",
		"transfer_id", rec.ID,
		"attempts", rec.RetryCount,
		"error", err,
	)
	return c.finish(rec, PhaseFailed, ReasonDestinationCreditFailed, err)
}

// settleSource drops the source reservation once the destination consumed the
// proof. The credit already happened, so a failure here is logged and the
// lock stays attested until an operator settles it.
func (c *Coordinator) settleSource(rec *Record) {
	if rec.Lock == nil {
		return
	}
	src, err := c.protocols.Protocol(rec.Source)
	if err == nil {
		ctx, cancel := c.phaseContext()
		err = src.SettleLock(ctx, *rec.Lock)
		cancel()
	}
	if err != nil {
		c.logger.Warn("settle source lock failed",
			"transfer_id", rec.ID,
			"source", rec.Source,
			"lock_id", rec.Lock.ID,
			"error", err,
		)
	}
}

// rollback releases the source lock. Only a successful release may end in
// RolledBack; otherwise funds stay locked and the transfer needs an operator.
func (c *Coordinator) rollback(rec *Record, reason Reason, cause error) error {
	src, err := c.protocols.Protocol(rec.Source)
	if err == nil {
		if rec.Lock == nil {
			err = errors.New("no lock recorded")
		} else {
			ctx, cancel := c.phaseContext()
			err = src.ReleaseLock(ctx, *rec.Lock)
			cancel()
		}
	}
	if err != nil {
		if c.stopping() {
			return ErrStopped
		}
		c.logger.Error("release source lock failed, operator action required",
			"transfer_id", rec.ID,
			"source", rec.Source,
			"cause", cause,
			"error", err,
		)
		return c.finish(rec, PhaseFailed, ReasonLockReleaseFailed, fmt.Errorf("%v; release lock: %w", cause, err))
	}
	return c.finish(rec, PhaseRolledBack, reason, cause)
}

// finish moves rec to a phase and, for terminal ones, records stats and
// archives the proof.
func (c *Coordinator) finish(rec *Record, next Phase, reason Reason, cause error) error {
	if err := c.transition(rec, next, reason, cause); err != nil {
		return err
	}
	if !next.Terminal() {
		return nil
	}

	c.mu.Lock()
	switch next {
	case PhaseCommitted:
		c.stats.Committed++
	case PhaseRolledBack:
		c.stats.RolledBack++
	case PhaseFailed:
		c.stats.Failed++
	}
	c.mu.Unlock()

	if c.archive != nil && rec.Proof != nil {
		ctx, cancel := c.persistContext()
		defer cancel()
		if err := c.archive.StoreProof(ctx, rec.ID, next.String(), rec.Proof); err != nil {
			c.logger.Warn("archive proof failed", "transfer_id", rec.ID, "proof_id", rec.Proof.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) transition(rec *Record, next Phase, reason Reason, cause error) error {
	prev := rec.Phase
	if err := rec.advance(next, reason, cause); err != nil {
		return err
	}
	rec.UpdatedAt = c.now()

	ctx, cancel := c.persistContext()
	defer cancel()

	ev := rec.Event(prev)
	if c.outbox != nil {
		if err := c.outbox.PutWithEvent(ctx, rec, ev); err != nil {
			return fmt.Errorf("persist transfer %s: %w", rec.ID, err)
		}
		return nil
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist transfer %s: %w", rec.ID, err)
	}
	c.publish(ctx, rec, ev)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, rec *Record, ev *protov1.TransferEvent) {
	if err := c.sink.PublishTransfer(ctx, ev); err != nil {
		c.logger.Warn("publish transfer event failed", "transfer_id", rec.ID, "phase", rec.Phase, "error", err)
	}
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func (c *Coordinator) phaseContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.PhaseTimeout)
}

// persistContext outlives Stop so a finished step is always recorded.
func (c *Coordinator) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.PhaseTimeout)
}

func (c *Coordinator) stopping() bool {
	return c.ctx.Err() != nil
}

// sleep waits for d, cutting it short on Stop or when lost closes.
func (c *Coordinator) sleep(d time.Duration, lost <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-lost:
	case <-c.ctx.Done():
	}
}

// Cancel stops a transfer that has not yet asked its source for a proof.
// The transfer then ends as Failed or RolledBack with ReasonCanceled.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	r := c.runs[id]
	c.mu.Unlock()

	if r == nil {
		rec, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Phase.Terminal() || rec.Phase >= PhaseProofIssued {
			return fmt.Errorf("%w: %s is %s", ErrNotCancelable, id, rec.Phase)
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proofSent {
		return fmt.Errorf("%w: %s already requested a proof", ErrNotCancelable, id)
	}
	r.canceled = true
	c.logger.Info("transfer cancel requested", "transfer_id", id)
	return nil
}

// Wait blocks until the transfer stops running here, then returns its record.
func (c *Coordinator) Wait(ctx context.Context, id string) (*Record, error) {
	c.mu.Lock()
	r := c.runs[id]
	c.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.Get(ctx, id)
}

func (c *Coordinator) Get(ctx context.Context, id string) (*Record, error) {
	return c.store.Get(ctx, id)
}

func (c *Coordinator) List(ctx context.Context, phases ...Phase) ([]*Record, error) {
	return c.store.Scan(ctx, phases...)
}

func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stop cancels in-flight adapter calls and waits for workers to exit.
// Unfinished records keep their last persisted phase for Resume.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("transfer coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
