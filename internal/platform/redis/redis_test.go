package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/marko911/layerbridge/internal/dedup"
	"github.com/marko911/layerbridge/internal/transfer"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDedupStore_Lifecycle(t *testing.T) {
	_, client := newClient(t)
	s := NewDedupStore(client, "test:")
	ctx := context.Background()

	if err := s.Reserve(ctx, "p1", "t1", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Reserve(ctx, "p1", "t1", time.Minute); err != nil {
		t.Errorf("same-owner Reserve: %v", err)
	}
	if err := s.Reserve(ctx, "p1", "t2", time.Minute); !errors.Is(err, dedup.ErrReserved) {
		t.Errorf("other-owner Reserve: got %v, want ErrReserved", err)
	}
	if err := s.Void(ctx, "p1"); !errors.Is(err, dedup.ErrReserved) {
		t.Errorf("Void reserved: got %v, want ErrReserved", err)
	}
	if st, _ := s.State(ctx, "p1"); st != dedup.StateReserved {
		t.Errorf("State = %s, want reserved", st)
	}

	first, err := s.Consume(ctx, "p1", "sidechain")
	if err != nil || !first {
		t.Fatalf("Consume = %v, %v; want true, nil", first, err)
	}
	first, err = s.Consume(ctx, "p1", "sidechain")
	if err != nil || !first {
		t.Errorf("same-consumer Consume = %v, %v; want true, nil", first, err)
	}
	first, err = s.Consume(ctx, "p1", "asset_overlay")
	if err != nil || first {
		t.Errorf("other-consumer Consume = %v, %v; want false, nil", first, err)
	}
	if err := s.Reserve(ctx, "p1", "t1", 0); !errors.Is(err, dedup.ErrConsumed) {
		t.Errorf("Reserve consumed: got %v, want ErrConsumed", err)
	}
	if err := s.Void(ctx, "p1"); !errors.Is(err, dedup.ErrConsumed) {
		t.Errorf("Void consumed: got %v, want ErrConsumed", err)
	}
	if st, _ := s.State(ctx, "p1"); st != dedup.StateConsumed {
		t.Errorf("State = %s, want consumed", st)
	}
}

func TestDedupStore_Void(t *testing.T) {
	_, client := newClient(t)
	s := NewDedupStore(client, "test:")
	ctx := context.Background()

	if err := s.Void(ctx, "p1"); err != nil {
		t.Fatalf("Void: %v", err)
	}
	if err := s.Void(ctx, "p1"); err != nil {
		t.Errorf("repeat Void: %v", err)
	}
	if _, err := s.Consume(ctx, "p1", "sidechain"); !errors.Is(err, dedup.ErrVoided) {
		t.Errorf("Consume voided: got %v, want ErrVoided", err)
	}
	if err := s.Reserve(ctx, "p1", "t1", 0); !errors.Is(err, dedup.ErrVoided) {
		t.Errorf("Reserve voided: got %v, want ErrVoided", err)
	}
	if st, _ := s.State(ctx, "unknown"); st != dedup.StateUnknown {
		t.Errorf("State unknown = %s", st)
	}
}

func TestDedupStore_ReservationExpires(t *testing.T) {
	mr, client := newClient(t)
	s := NewDedupStore(client, "test:")
	ctx := context.Background()

	if err := s.Reserve(ctx, "p1", "t1", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if st, _ := s.State(ctx, "p1"); st != dedup.StateUnknown {
		t.Errorf("State after expiry = %s, want unknown", st)
	}
	if err := s.Reserve(ctx, "p1", "t2", 0); err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
	if ttl := mr.TTL("test:proof:p1"); ttl != 0 {
		t.Errorf("zero-ttl reservation has ttl %s", ttl)
	}

	// Consumption outlives the reservation ttl.
	if err := s.Reserve(ctx, "p2", "t1", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := s.Consume(ctx, "p2", "sidechain"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if st, _ := s.State(ctx, "p2"); st != dedup.StateConsumed {
		t.Errorf("State = %s, want consumed", st)
	}
}

func TestDedupStore_ConcurrentReserveHasOneWinner(t *testing.T) {
	_, client := newClient(t)
	s := NewDedupStore(client, "test:")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			if err := s.Reserve(ctx, "p1", string(rune('a'+owner)), 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestToken_Exclusive(t *testing.T) {
	mr, client := newClient(t)
	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:"
	tok := NewToken(client, cfg, nil)
	ctx := context.Background()

	lease, err := tok.Acquire(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := tok.Acquire(ctx, "tx-1"); !errors.Is(err, transfer.ErrTokenHeld) {
		t.Errorf("second Acquire: got %v, want ErrTokenHeld", err)
	}
	other, err := tok.Acquire(ctx, "tx-2")
	if err != nil {
		t.Fatalf("Acquire other transfer: %v", err)
	}
	other.Release()

	lease.Release()
	lease.Release()
	if mr.Exists("test:token:tx-1") {
		t.Error("token key survived release")
	}

	again, err := tok.Acquire(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again.Release()
}

func TestToken_ReleaseKeepsForeignLease(t *testing.T) {
	mr, client := newClient(t)
	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:"
	tok := NewToken(client, cfg, nil)

	lease, err := tok.Acquire(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Another worker took over after the lease expired.
	mr.Set("test:token:tx-1", "someone-else")
	lease.Release()

	if got, _ := mr.Get("test:token:tx-1"); got != "someone-else" {
		t.Errorf("foreign lease = %q", got)
	}
}

func TestToken_Renews(t *testing.T) {
	mr, client := newClient(t)
	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:"
	cfg.TokenTTL = 300 * time.Millisecond
	tok := NewToken(client, cfg, nil)

	lease, err := tok.Acquire(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	mr.FastForward(250 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL("test:token:tx-1") <= 100*time.Millisecond && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ttl := mr.TTL("test:token:tx-1"); ttl <= 100*time.Millisecond {
		t.Errorf("lease not renewed, ttl %s", ttl)
	}
}

func TestToken_ReportsLostLease(t *testing.T) {
	mr, client := newClient(t)
	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:"
	cfg.TokenTTL = 150 * time.Millisecond
	tok := NewToken(client, cfg, nil)
	ctx := context.Background()

	lease, err := tok.Acquire(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	select {
	case <-lease.Lost():
		t.Fatal("fresh lease reported lost")
	default:
	}

	mr.Del("test:token:tx-1")
	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("deleted lease was not reported lost")
	}

	// The transfer is free for another worker once the lease is gone.
	other, err := tok.Acquire(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Acquire after loss: %v", err)
	}
	other.Release()
}
