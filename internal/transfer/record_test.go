package transfer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

func TestPhase_Transitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePending, PhaseSourceLocked, true},
		{PhasePending, PhaseFailed, true},
		{PhasePending, PhaseRolledBack, false},
		{PhaseSourceLocked, PhaseRolledBack, true},
		{PhaseProofIssued, PhaseProofVerified, true},
		{PhaseProofVerified, PhaseProofVerified, true},
		{PhaseProofVerified, PhaseRolledBack, false},
		{PhaseDestinationCredited, PhaseCommitted, true},
		{PhaseDestinationCredited, PhaseFailed, false},
		{PhaseCommitted, PhaseRolledBack, false},
		{PhaseFailed, PhasePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPhase_TextRoundTrip(t *testing.T) {
	for p := PhasePending; p <= PhaseFailed; p++ {
		var got Phase
		text, _ := p.MarshalText()
		if err := got.UnmarshalText(text); err != nil || got != p {
			t.Errorf("round trip %s: got %s, %v", p, got, err)
		}
		if p.Wire() == protov1.TransferPhase_TRANSFER_PHASE_UNSPECIFIED {
			t.Errorf("%s has no wire phase", p)
		}
	}
	if _, err := ParsePhase("sideways"); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestRecord_AdvanceRejectsIllegal(t *testing.T) {
	rec := &Record{ID: "t1", Phase: PhaseCommitted}
	if err := rec.advance(PhaseFailed, ReasonNone, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("got %v, want ErrIllegalTransition", err)
	}
	if rec.Phase != PhaseCommitted {
		t.Errorf("phase changed to %s", rec.Phase)
	}
}

func TestRecord_AdvanceClearsErrorOnCleanTransition(t *testing.T) {
	rec := &Record{ID: "t1", Phase: PhaseProofVerified}
	if err := rec.advance(PhaseProofVerified, ReasonNone, errors.New("apply timed out")); err != nil {
		t.Fatalf("retry transition: %v", err)
	}
	if rec.LastError != "apply timed out" {
		t.Fatalf("LastError = %q", rec.LastError)
	}
	if err := rec.advance(PhaseDestinationCredited, ReasonNone, nil); err != nil {
		t.Fatalf("credit transition: %v", err)
	}
	if rec.LastError != "" {
		t.Errorf("LastError = %q after a clean transition", rec.LastError)
	}
}

func TestRecord_Err(t *testing.T) {
	rec := &Record{ID: "t1", Phase: PhaseFailed, Reason: ReasonDestinationCreditFailed, LastError: "timeout"}
	err := rec.Err()
	if !errors.Is(err, ErrDestinationCreditFailed) {
		t.Fatalf("Err() = %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Err() = %q, missing cause", err)
	}

	rec = &Record{ID: "t2", Phase: PhaseCommitted}
	if rec.Err() != nil {
		t.Errorf("committed Err() = %v", rec.Err())
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := &Record{
		ID:    "t1",
		Lock:  &adapter.LockHandle{ID: "l1"},
		Proof: &adapter.Proof{ID: "p1", Signature: []byte{1, 2}},
	}
	c := rec.Clone()
	c.Lock.ID = "other"
	c.Proof.Signature[0] = 9

	if rec.Lock.ID != "l1" || rec.Proof.Signature[0] != 1 {
		t.Error("clone shares state with the original")
	}
}

func TestNewID(t *testing.T) {
	id := NewID(adapter.KindChannelNet, adapter.KindStateChannel)
	if !strings.HasPrefix(id, "channel_net_state_channel_") {
		t.Errorf("id = %q", id)
	}
	if id == NewID(adapter.KindChannelNet, adapter.KindStateChannel) {
		t.Error("ids repeat")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"b", "a", "c"} {
		rec := &Record{ID: id, Phase: PhasePending, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if err := s.Create(ctx, &Record{ID: "a"}); !errors.Is(err, ErrDuplicateTransfer) {
		t.Errorf("duplicate Create: %v", err)
	}
	if err := s.Put(ctx, &Record{ID: "zzz"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Put unknown: %v", err)
	}

	rec, _ := s.Get(ctx, "a")
	rec.Phase = PhaseCommitted
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pending, _ := s.Scan(ctx, PhasePending)
	if len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "c" {
		t.Errorf("Scan(pending) = %v", ids(pending))
	}
	all, _ := s.Scan(ctx)
	if len(all) != 3 {
		t.Errorf("Scan() = %v", ids(all))
	}
}

func TestMemoryToken(t *testing.T) {
	tok := NewMemoryToken()
	lease, err := tok.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := tok.Acquire(context.Background(), "t1"); !errors.Is(err, ErrTokenHeld) {
		t.Fatalf("second Acquire: %v", err)
	}
	select {
	case <-lease.Lost():
		t.Fatal("in-process lease reported lost")
	default:
	}
	lease.Release()
	lease.Release()
	if _, err := tok.Acquire(context.Background(), "t1"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func ids(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
