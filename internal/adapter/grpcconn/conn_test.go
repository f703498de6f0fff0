package grpcconn

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
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

func TestDialAndCheck(t *testing.T) {
	addr, hs := startHealthServer(t)
	cfg := Config{Target: addr, HealthService: "lnrpc.Lightning"}
	hs.SetServingStatus(cfg.HealthService, healthpb.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := Check(ctx, conn, cfg); err != nil {
		t.Fatalf("Check: %v", err)
	}

	hs.SetServingStatus(cfg.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	if err := Check(ctx, conn, cfg); !errors.Is(err, ErrNotServing) {
		t.Errorf("Check not serving: got %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, Config{Target: addr}); err == nil {
		t.Fatal("Dial to closed port succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Target: "localhost:10009"}, false},
		{Config{}, true},
		{Config{Target: "localhost:10009", AuthToken: "abcd"}, true},
		{Config{Target: "localhost:10009", AuthHeader: "macaroon", AuthToken: "abcd"}, false},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}
