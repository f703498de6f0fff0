package statechannel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/marko911/layerbridge/internal/adapter"
)

// counterparty accepts one WebSocket per request and answers pings until the
// peer goes away.
func counterparty(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, url string) Config {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ChannelID = "chan-7"
	cfg.SignerKey = key.String()
	cfg.Balances = map[string]uint64{"ETH": 50}
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongWait = time.Second
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAdapter_Session(t *testing.T) {
	srv := counterparty(t, "s3cret")
	cfg := testConfig(t, wsURL(srv))
	cfg.AuthToken = "s3cret"
	a := New(cfg, adapter.Deps{})
	ctx := context.Background()

	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("health before connect: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Let a few ping/pong rounds pass.
	time.Sleep(50 * time.Millisecond)
	if err := a.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("health after disconnect: %v", err)
	}
}

func TestAdapter_HandshakeRejected(t *testing.T) {
	srv := counterparty(t, "s3cret")
	a := New(testConfig(t, wsURL(srv)), adapter.Deps{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Connect(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Fatalf("Connect without token: %v", err)
	}
}

func TestAdapter_SessionDropDetected(t *testing.T) {
	drop := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-drop
		conn.Close()
	}))
	defer srv.Close()

	a := New(testConfig(t, wsURL(srv)), adapter.Deps{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect(ctx)

	close(drop)

	deadline := time.Now().Add(2 * time.Second)
	for a.Health(ctx) == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.Health(ctx); !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("health after drop: %v", err)
	}
}

func TestAdapter_StateUpdateProof(t *testing.T) {
	a := New(testConfig(t, "ws://localhost:1"), adapter.Deps{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var versions []byte
	for i := 0; i < 2; i++ {
		lock, err := a.LockFunds(ctx, "ETH", 5)
		if err != nil {
			t.Fatalf("LockFunds: %v", err)
		}
		proof, err := a.IssueProof(ctx, lock)
		if err != nil {
			t.Fatalf("IssueProof: %v", err)
		}
		if err := a.VerifyProofSignature(ctx, proof); err != nil {
			t.Fatalf("VerifyProofSignature: %v", err)
		}
		if !strings.HasPrefix(string(proof.Payload), "chan-7") {
			t.Errorf("payload = %x", proof.Payload)
		}
		versions = append(versions, proof.Payload[len(proof.Payload)-1])
	}
	if versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions = %v, want [1 2]", versions)
	}

	cs := &channelState{channelID: "chan-7"}
	if err := cs.CheckCommitment(&adapter.Proof{Payload: []byte("chan-8\x00\x00\x00\x00\x00\x00\x00\x01")}); err == nil {
		t.Error("foreign channel accepted")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t, "http://localhost")
	if err := cfg.Validate(); !errors.Is(err, adapter.ErrConfiguration) {
		t.Errorf("http url: %v", err)
	}
	cfg = testConfig(t, "ws://localhost")
	cfg.PingInterval = 2 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PingInterval >= cfg.PongWait {
		t.Errorf("ping interval %s not below pong wait %s", cfg.PingInterval, cfg.PongWait)
	}
}
