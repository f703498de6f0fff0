package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layerbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transfers != BackendMemory || cfg.Dedup != BackendMemory {
		t.Errorf("backends = %s/%s, want memory/memory", cfg.Transfers, cfg.Dedup)
	}
	if cfg.Manager.OpTimeout != 30*time.Second {
		t.Errorf("OpTimeout = %v, want 30s", cfg.Manager.OpTimeout)
	}
	if cfg.Adapters.EnabledAdapters() != 0 {
		t.Errorf("adapters enabled by default")
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
transfers: postgres
dedup: redis
manager:
  op_timeout: 5s
  transfer:
    max_credit_attempts: 5
postgres:
  dsn: postgres://u:p@db:5432/lb
redis:
  addr: redis:6379
policy:
  limits:
    assets:
      BTC: {min: 1000, max: 100000000}
    denied_routes:
      - {source: oracle_contract, destination: state_channel}
adapters:
  sidechain:
    enabled: true
    chain: polygon
    attester_key: "0xabc"
    rpc:
      url: wss://polygon.example
    balances:
      USDC: 500
  state_channel:
    enabled: true
    url: wss://counterparty.example/ws
    channel_id: ch-1
    pong_wait: 30s
nats:
  enabled: true
  url: nats://nats:4222
  stream:
    duplicate_window: 2m
kafka:
  enabled: true
  brokers: k1:9092,k2:9092
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Transfers != BackendPostgres || cfg.Dedup != BackendRedis {
		t.Errorf("backends = %s/%s", cfg.Transfers, cfg.Dedup)
	}
	if cfg.Manager.OpTimeout != 5*time.Second {
		t.Errorf("OpTimeout = %v, want 5s", cfg.Manager.OpTimeout)
	}
	if cfg.Manager.Transfer.MaxCreditAttempts != 5 {
		t.Errorf("MaxCreditAttempts = %d, want 5", cfg.Manager.Transfer.MaxCreditAttempts)
	}
	// Unset fields inside a set section keep their defaults.
	if cfg.Manager.Transfer.PhaseTimeout != 30*time.Second {
		t.Errorf("PhaseTimeout = %v, want default 30s", cfg.Manager.Transfer.PhaseTimeout)
	}
	if cfg.Postgres.ConnectionString() != "postgres://u:p@db:5432/lb" {
		t.Errorf("dsn = %q", cfg.Postgres.ConnectionString())
	}
	if cfg.Redis.KeyPrefix != "layerbridge:" {
		t.Errorf("KeyPrefix = %q, want default", cfg.Redis.KeyPrefix)
	}

	if lim := cfg.Policy.Limits.Assets["BTC"]; lim.Min != 1000 || lim.Max != 100000000 {
		t.Errorf("BTC limit = %+v", lim)
	}
	if got := cfg.Policy.Limits.DeniedRoutes; len(got) != 1 ||
		got[0].Source != adapter.KindOracleContract || got[0].Destination != adapter.KindStateChannel {
		t.Errorf("DeniedRoutes = %+v", got)
	}

	side := cfg.Adapters.SideChain
	if !side.Enabled || side.Config.Chain != "polygon" || side.Config.RPC.URL != "wss://polygon.example" {
		t.Errorf("sidechain = %+v", side)
	}
	if side.Config.Balances["USDC"] != 500 {
		t.Errorf("sidechain balances = %v", side.Config.Balances)
	}
	if side.Config.ProofTTL != adapter.DefaultProofTTL {
		t.Errorf("sidechain ProofTTL = %v, want default", side.Config.ProofTTL)
	}
	if side.Config.RPC.MaxRetries != 3 {
		t.Errorf("sidechain rpc.max_retries = %d, want default 3", side.Config.RPC.MaxRetries)
	}

	sc := cfg.Adapters.StateChannel
	if !sc.Enabled || sc.Config.ChannelID != "ch-1" || sc.Config.PongWait != 30*time.Second {
		t.Errorf("state_channel = %+v", sc)
	}
	if cfg.Adapters.ChannelNet.Enabled {
		t.Error("channel_net enabled without a section")
	}
	if cfg.Adapters.EnabledAdapters() != 2 {
		t.Errorf("EnabledAdapters = %d, want 2", cfg.Adapters.EnabledAdapters())
	}

	if !cfg.NATS.Enabled || cfg.NATS.Client.URL != "nats://nats:4222" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if cfg.NATS.Stream.Duplicate != 2*time.Minute || cfg.NATS.Stream.Name != "TRANSFER_EVENTS" {
		t.Errorf("nats stream = %+v", cfg.NATS.Stream)
	}
	if got := cfg.Kafka.Config.BrokerList(); len(got) != 2 {
		t.Errorf("kafka brokers = %v", got)
	}
	if cfg.Kafka.Config.TransferTopic != "layerbridge.transfers" {
		t.Errorf("kafka transfer topic = %q, want default", cfg.Kafka.Config.TransferTopic)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown transfer backend", body: "transfers: sqlite\n", want: "transfers"},
		{name: "unknown dedup backend", body: "dedup: etcd\n", want: "dedup"},
		{name: "archive without bucket", body: "archive:\n  enabled: true\n  endpoint: minio:9000\n", want: "archive"},
		{name: "kafka without brokers", body: "kafka:\n  enabled: true\n  brokers: \"\"\n", want: "kafka"},
		{name: "bad kind", body: "policy:\n  limits:\n    denied_routes:\n      - {source: nope}\n", want: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
