package channelnet

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/marko911/layerbridge/internal/adapter"
)

func startNode(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), hs
}

func testConfig(t *testing.T, target string) Config {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Node.Target = target
	cfg.NodeKey = hex.EncodeToString(key.Serialize())
	cfg.Balances = map[string]uint64{"BTC": 100_000}
	cfg.HTLCExpiry = 5 * time.Minute
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t, "localhost:10009")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ProofTTL != 5*time.Minute {
		t.Errorf("proof ttl = %s, want capped at htlc expiry", cfg.ProofTTL)
	}

	cfg = testConfig(t, "")
	if err := cfg.Validate(); !errors.Is(err, adapter.ErrConfiguration) {
		t.Errorf("missing target: %v", err)
	}
	cfg = testConfig(t, "localhost:10009")
	cfg.NodeKey = "abc"
	if err := New(cfg, adapter.Deps{}).Initialize(context.Background()); !errors.Is(err, adapter.ErrConfiguration) {
		t.Errorf("bad key: %v", err)
	}
}

func TestAdapter_ConnectHealth(t *testing.T) {
	addr, hs := startNode(t)
	a := New(testConfig(t, addr), adapter.Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Connect(ctx); !errors.Is(err, adapter.ErrNotInitialized) {
		t.Fatalf("connect before initialize: %v", err)
	}
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("Health not serving: %v", err)
	}

	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("Health after disconnect: %v", err)
	}
	if err := a.Connect(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("Connect to non-serving node: %v", err)
	}
}

func TestAdapter_HTLCProof(t *testing.T) {
	a := New(testConfig(t, "localhost:10009"), adapter.Deps{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	lock, err := a.LockFunds(ctx, "BTC", 5000)
	if err != nil {
		t.Fatalf("LockFunds: %v", err)
	}
	proof, err := a.IssueProof(ctx, lock)
	if err != nil {
		t.Fatalf("IssueProof: %v", err)
	}
	if len(proof.Payload) != 64 {
		t.Fatalf("payload length = %d", len(proof.Payload))
	}
	if err := a.VerifyProofSignature(ctx, proof); err != nil {
		t.Fatalf("VerifyProofSignature: %v", err)
	}
	if got := proof.ExpiresAt.Sub(proof.IssuedAt); got != 5*time.Minute {
		t.Errorf("proof lifetime = %s", got)
	}

	tampered := proof.Clone()
	tampered.Payload[40] ^= 1
	if err := a.VerifyProofSignature(ctx, tampered); !errors.Is(err, adapter.ErrInvalidProof) {
		t.Errorf("tampered preimage: %v", err)
	}
}

func TestHTLC_CheckCommitment(t *testing.T) {
	payload, err := htlc{}.Commit(adapter.LockHandle{}, "p1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := (htlc{}).CheckCommitment(&adapter.Proof{Payload: payload}); err != nil {
		t.Fatalf("CheckCommitment: %v", err)
	}

	payload[63] ^= 0xff
	if err := (htlc{}).CheckCommitment(&adapter.Proof{Payload: payload}); err == nil {
		t.Error("wrong preimage accepted")
	}
	if err := (htlc{}).CheckCommitment(&adapter.Proof{Payload: payload[:10]}); err == nil {
		t.Error("short payload accepted")
	}
}
