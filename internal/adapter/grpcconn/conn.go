// Package grpcconn dials the gRPC backends shared by several adapters and
// checks them with the standard health service.
package grpcconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

var ErrNotServing = errors.New("backend not serving")

type Config struct {
	Target string `yaml:"target"`
	UseTLS bool   `yaml:"use_tls"`

	// CAFile pins the server certificate authority when UseTLS is set.
	CAFile string `yaml:"ca_file"`

	// AuthHeader and AuthToken are sent as metadata on every call, e.g.
	// "macaroon" and a hex macaroon.
	AuthHeader string `yaml:"auth_header"`
	AuthToken  string `yaml:"auth_token"`

	// HealthService is the name passed to grpc.health.v1.Health/Check.
	HealthService string `yaml:"health_service"`
}

func (c Config) Validate() error {
	if c.Target == "" {
		return errors.New("target is required")
	}
	if c.AuthToken != "" && c.AuthHeader == "" {
		return errors.New("auth_header is required with auth_token")
	}
	return nil
}

// Dial creates the client connection and waits until it is Ready or ctx ends.
func Dial(ctx context.Context, cfg Config) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	switch {
	case cfg.UseTLS && cfg.CAFile != "":
		creds, err := credentials.NewClientTLSFromFile(cfg.CAFile, "")
		if err != nil {
			return nil, fmt.Errorf("load ca_file: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	case cfg.UseTLS:
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	default:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client: %w", err)
	}

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if state == connectivity.Shutdown || !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("grpc connect %s: last state %s: %w", cfg.Target, state, ctx.Err())
			}
			return nil, fmt.Errorf("grpc connect %s: %s", cfg.Target, state)
		}
	}
}

// Outgoing attaches the configured auth metadata to ctx.
func Outgoing(ctx context.Context, cfg Config) context.Context {
	if cfg.AuthToken == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, cfg.AuthHeader, cfg.AuthToken)
}

// Check asks the backend's health service whether it is serving.
func Check(ctx context.Context, conn *grpc.ClientConn, cfg Config) error {
	resp, err := healthpb.NewHealthClient(conn).Check(Outgoing(ctx, cfg), &healthpb.HealthCheckRequest{
		Service: cfg.HealthService,
	})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}
