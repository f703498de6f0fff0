package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/marko911/layerbridge/internal/adapter"
)

func testConfig(t *testing.T, url string) Config {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.OracleKey = hex.EncodeToString(key.Serialize())
	cfg.Balances = map[string]uint64{"USD": 10_000}
	return cfg
}

func TestAdapter_HealthEndpoint(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(testConfig(t, srv.URL+"/"), adapter.Deps{})
	ctx := context.Background()

	if err := a.Connect(ctx); !errors.Is(err, adapter.ErrNotInitialized) {
		t.Fatalf("connect before initialize: %v", err)
	}
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("health before connect: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	down.Store(true)
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("health while down: %v", err)
	}
	if err := a.Connect(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("connect while down: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, url := range []string{"", "ftp://oracle"} {
		cfg := testConfig(t, url)
		if err := cfg.Validate(); !errors.Is(err, adapter.ErrConfiguration) {
			t.Errorf("url %q: %v", url, err)
		}
	}
	cfg := testConfig(t, "https://oracle.example/")
	if err := cfg.Validate(); err != nil || cfg.URL != "https://oracle.example" {
		t.Errorf("Validate: %v, url %q", err, cfg.URL)
	}
}

func TestAdapter_AnnouncementProof(t *testing.T) {
	a := New(testConfig(t, "http://localhost:1"), adapter.Deps{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	lock, err := a.LockFunds(ctx, "USD", 300)
	if err != nil {
		t.Fatalf("LockFunds: %v", err)
	}
	proof, err := a.IssueProof(ctx, lock)
	if err != nil {
		t.Fatalf("IssueProof: %v", err)
	}

	var ann Announcement
	if err := json.Unmarshal(proof.Payload, &ann); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ann.EventID != proof.ID || ann.LockID != lock.ID || ann.Amount != 300 || ann.Outcome != "release" {
		t.Errorf("announcement = %+v", ann)
	}
	if err := a.VerifyProofSignature(ctx, proof); err != nil {
		t.Fatalf("VerifyProofSignature: %v", err)
	}

	bad := proof.Clone()
	bad.Payload, _ = json.Marshal(Announcement{EventID: proof.ID, LockID: lock.ID, Asset: "USD", Amount: 300, Outcome: "refund"})
	if err := (announcement{}).CheckCommitment(bad); err == nil {
		t.Error("refund outcome accepted")
	}
}
