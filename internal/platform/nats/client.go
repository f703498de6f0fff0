// Package nats fans transfer and protocol events out over NATS JetStream so
// every control plane instance and external watcher sees them.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var ErrClosed = errors.New("nats: client closed")

type Config struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`

	// At most one of CredentialsFile and Token is used; the file wins.
	CredentialsFile string `yaml:"credentials_file"`
	Token           string `yaml:"token"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "layerbridged",
		ConnectTimeout: 10 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		DrainTimeout:   5 * time.Second,
	}
}

// Client is the event fan-out connection. It stays usable across server
// restarts; Ping reports whether a round trip currently succeeds.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	reconnects atomic.Uint64
	closeOnce  sync.Once
	closed     atomic.Bool
	closeErr   error
}

// Connect dials the server and fails unless JetStream is enabled for the
// account, so a misconfigured deployment stops at startup rather than on the
// first published event.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger.With("component", "nats", "conn", cfg.Name)}

	nc, err := nats.Connect(cfg.URL, c.options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	c.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	c.js = js

	checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if _, err := js.AccountInfo(checkCtx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream unavailable: %w", err)
	}

	c.logger.Info("connected", "url", nc.ConnectedUrl(), "server", nc.ConnectedServerName())
	return c, nil
}

func (c *Client) options(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("event bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n := c.reconnects.Add(1)
			c.logger.Info("event bus reconnected", "url", nc.ConnectedUrl(), "reconnects", n)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				c.logger.Error("event bus connection closed", "error", err)
			}
		}),
	}
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Ping flushes a round trip to the server.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Reconnects counts reconnections since Connect.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Close drains pending publishes and subscriptions, bounded by DrainTimeout.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			c.closeErr = fmt.Errorf("nats drain: %w", err)
		}
	})
	return c.closeErr
}
