// Command layerbridged runs the settlement control plane: it brings up the
// configured protocol adapters, resumes unfinished transfers and serves the
// operator API and event feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marko911/layerbridge/internal/config"
	"github.com/marko911/layerbridge/internal/delivery/websocket"
	"github.com/marko911/layerbridge/internal/manager"
	"github.com/marko911/layerbridge/internal/policy"
)

func main() {
	var (
		configPath  = flag.String("config", envOrDefault("LAYERBRIDGE_CONFIG", ""), "path to YAML configuration file")
		listen      = flag.String("listen", envOrDefault("LISTEN_ADDR", ""), "HTTP listen address (overrides server.listen)")
		databaseURL = flag.String("database-url", envOrDefault("DATABASE_URL", ""), "PostgreSQL DSN (overrides postgres.dsn)")
		redisAddr   = flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address (overrides redis.addr)")
		logLevel    = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
		demo        = flag.Bool("demo", envOrDefaultBool("LAYERBRIDGE_DEMO", false), "register funded in-memory adapters for kinds without a configured backend")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *databaseURL != "" {
		cfg.Postgres.DSN = *databaseURL
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}

	if err := run(cfg, *demo, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, demo bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting layerbridged",
		"listen", cfg.Server.Listen,
		"transfers", cfg.Transfers,
		"dedup", cfg.Dedup,
		"kafka", cfg.Kafka.Enabled,
		"nats", cfg.NATS.Enabled,
		"archive", cfg.Archive.Enabled,
		"demo", demo,
	)

	in, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.Close()

	chain, err := policy.Build(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	opts := append(in.managerOptions(logger), manager.WithPolicy(chain))
	m := manager.New(cfg.Manager, opts...)

	if err := registerAdapters(m, cfg.Adapters, demo, logger); err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}
	if len(m.Kinds()) == 0 {
		logger.Warn("no protocol adapters configured; enable a section under adapters or run with -demo")
	}

	for kind, err := range m.InitializeAll(ctx) {
		if err != nil {
			logger.Error("protocol failed to initialize", "kind", kind, "error", err)
		}
	}
	for kind, err := range m.ConnectAll(ctx) {
		if err != nil {
			logger.Error("protocol failed to connect", "kind", kind, "error", err)
		}
	}

	resumed, err := m.Resume(ctx)
	if err != nil {
		logger.Error("resume failed", "error", err)
	} else if resumed > 0 {
		logger.Info("resumed unfinished transfers", "count", resumed)
	}

	hub := websocket.New(in.bus, logger)
	srv := NewServer(m, hub, logger)
	for _, c := range in.checks {
		srv.AddCheck(c)
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.RunHealthMonitor(gctx, 0)
		return nil
	})
	if in.relay != nil {
		g.Go(func() error { return in.relay.Run(gctx) })
	}
	if in.subscriber != nil {
		g.Go(func() error { return in.subscriber.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("protocol manager shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("layerbridged stopped")
	return err
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultVal
}
