// Package redis backs the proof dedup store and the transfer execution token
// with Redis so several coordinator processes can share them.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// TokenTTL bounds how long a crashed worker keeps a transfer blocked.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "layerbridge:",
		TokenTTL:  30 * time.Second,
	}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
