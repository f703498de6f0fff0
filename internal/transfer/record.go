// Package transfer drives cross-layer transfers between two adapters through
// lock, proof issuance, verification and destination credit.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/layerbridge/internal/adapter"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrDuplicateTransfer = errors.New("transfer id already used")
	ErrIllegalTransition = errors.New("illegal phase transition")
	ErrTokenHeld         = errors.New("transfer is being processed by another worker")
	ErrNotCancelable     = errors.New("transfer can no longer be canceled")
	ErrNotRunning        = errors.New("transfer is not running on this coordinator")
	ErrStopped           = errors.New("coordinator stopped")

	ErrPreconditionNotMet      = errors.New("precondition not met")
	ErrLockReleaseFailed       = errors.New("lock release failed")
	ErrDestinationCreditFailed = errors.New("destination credit failed")
	ErrCanceled                = errors.New("transfer canceled")
)

type Phase int32

const (
	PhasePending Phase = iota + 1
	PhaseSourceLocked
	PhaseProofIssued
	PhaseProofVerified
	PhaseDestinationCredited
	PhaseCommitted
	PhaseRolledBack
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhasePending:             "pending",
	PhaseSourceLocked:        "source_locked",
	PhaseProofIssued:         "proof_issued",
	PhaseProofVerified:       "proof_verified",
	PhaseDestinationCredited: "destination_credited",
	PhaseCommitted:           "committed",
	PhaseRolledBack:          "rolled_back",
	PhaseFailed:              "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal phases are never left. Failed additionally needs an operator when
// its reason says so.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack || p == PhaseFailed
}

// NonTerminalPhases lists the phases a restarted coordinator resumes.
func NonTerminalPhases() []Phase {
	return []Phase{PhasePending, PhaseSourceLocked, PhaseProofIssued, PhaseProofVerified, PhaseDestinationCredited}
}

var transitions = map[Phase][]Phase{
	PhasePending:             {PhaseSourceLocked, PhaseFailed},
	PhaseSourceLocked:        {PhaseProofIssued, PhaseRolledBack, PhaseFailed},
	PhaseProofIssued:         {PhaseProofVerified, PhaseRolledBack, PhaseFailed},
	PhaseProofVerified:       {PhaseProofVerified, PhaseDestinationCredited, PhaseFailed},
	PhaseDestinationCredited: {PhaseCommitted},
}

func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reason qualifies RolledBack and Failed.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonPreconditionNotMet      Reason = "precondition_not_met"
	ReasonLockFailed              Reason = "lock_failed"
	ReasonProofIssueFailed        Reason = "proof_issue_failed"
	ReasonInvalidProof            Reason = "invalid_proof"
	ReasonVerificationFailed      Reason = "verification_failed"
	ReasonLockReleaseFailed       Reason = "lock_release_failed"
	ReasonDestinationCreditFailed Reason = "destination_credit_failed"
	ReasonCanceled                Reason = "canceled"
)

// NeedsOperator reports whether a Failed transfer with this reason left funds
// in a state only manual intervention can resolve.
func (r Reason) NeedsOperator() bool {
	return r == ReasonLockReleaseFailed || r == ReasonDestinationCreditFailed
}

// Err maps the reason to its sentinel error.
func (r Reason) Err() error {
	switch r {
	case ReasonPreconditionNotMet:
		return ErrPreconditionNotMet
	case ReasonLockReleaseFailed:
		return ErrLockReleaseFailed
	case ReasonDestinationCreditFailed:
		return ErrDestinationCreditFailed
	case ReasonCanceled:
		return ErrCanceled
	case ReasonInvalidProof:
		return adapter.ErrInvalidProof
	default:
		return nil
	}
}

type Record struct {
	ID            string              `json:"id"`
	Source        adapter.Kind        `json:"source"`
	Destination   adapter.Kind        `json:"destination"`
	Asset         string              `json:"asset"`
	Amount        uint64              `json:"amount"`
	Phase         Phase               `json:"phase"`
	Reason        Reason              `json:"reason,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	LastError     string              `json:"last_error,omitempty"`
	Lock          *adapter.LockHandle `json:"lock,omitempty"`
	Proof         *adapter.Proof      `json:"proof,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	NextAttemptAt time.Time           `json:"next_attempt_at,omitempty"`
}

// NewID builds a globally unique id prefixed with the route.
func NewID(src, dst adapter.Kind) string {
	return fmt.Sprintf("%s_%s_%s", src, dst, uuid.NewString())
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Lock != nil {
		lock := *r.Lock
		c.Lock = &lock
	}
	c.Proof = r.Proof.Clone()
	return &c
}

// advance moves the record to next, enforcing the transition table.
// LastError describes the transition that produced it; a clean transition
// clears it.
func (r *Record) advance(next Phase, reason Reason, cause error) error {
	if !r.Phase.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, r.Phase, next, r.ID)
	}
	r.Phase = next
	r.Reason = reason
	r.LastError = ""
	if cause != nil {
		r.LastError = cause.Error()
	}
	return nil
}

// Status is the externally visible state of a transfer.
type Status struct {
	ID         string `json:"id"`
	Phase      Phase  `json:"phase"`
	Reason     Reason `json:"reason,omitempty"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

func (r *Record) Status() Status {
	return Status{
		ID:         r.ID,
		Phase:      r.Phase,
		Reason:     r.Reason,
		RetryCount: r.RetryCount,
		Error:      r.LastError,
	}
}

// Err returns the error a caller waiting on the transfer should see.
func (r *Record) Err() error {
	switch r.Phase {
	case PhaseFailed, PhaseRolledBack:
		base := r.Reason.Err()
		if base == nil {
			if r.LastError == "" {
				return fmt.Errorf("transfer %s %s", r.ID, r.Phase)
			}
			return fmt.Errorf("transfer %s %s: %s", r.ID, r.Phase, r.LastError)
		}
		if r.LastError == "" {
			return fmt.Errorf("transfer %s %s: %w", r.ID, r.Phase, base)
		}
		return fmt.Errorf("transfer %s %s: %w: %s", r.ID, r.Phase, base, r.LastError)
	default:
		return nil
	}
}

var phaseWire = map[Phase]protov1.TransferPhase{
	PhasePending:             protov1.TransferPhase_TRANSFER_PHASE_PENDING,
	PhaseSourceLocked:        protov1.TransferPhase_TRANSFER_PHASE_SOURCE_LOCKED,
	PhaseProofIssued:         protov1.TransferPhase_TRANSFER_PHASE_PROOF_ISSUED,
	PhaseProofVerified:       protov1.TransferPhase_TRANSFER_PHASE_PROOF_VERIFIED,
	PhaseDestinationCredited: protov1.TransferPhase_TRANSFER_PHASE_DESTINATION_CREDITED,
	PhaseCommitted:           protov1.TransferPhase_TRANSFER_PHASE_COMMITTED,
	PhaseRolledBack:          protov1.TransferPhase_TRANSFER_PHASE_ROLLED_BACK,
	PhaseFailed:              protov1.TransferPhase_TRANSFER_PHASE_FAILED,
}

func (p Phase) Wire() protov1.TransferPhase {
	return phaseWire[p]
}

// Event describes the record as just persisted, coming from prev.
func (r *Record) Event(prev Phase) *protov1.TransferEvent {
	ev := &protov1.TransferEvent{
		EventId:       uuid.NewString(),
		TransferId:    r.ID,
		Source:        protov1.ProtocolKind(r.Source),
		Destination:   protov1.ProtocolKind(r.Destination),
		Asset:         r.Asset,
		Amount:        r.Amount,
		Phase:         r.Phase.Wire(),
		PreviousPhase: prev.Wire(),
		Reason:        string(r.Reason),
		RetryCount:    uint32(r.RetryCount),
		Error:         r.LastError,
		OccurredAt:    r.UpdatedAt,
		SchemaVersion: protov1.SchemaVersion,
	}
	if r.Proof != nil {
		ev.ProofId = r.Proof.ID
	}
	return ev
}
