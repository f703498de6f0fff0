// Package storage persists transfer records and their outbox in PostgreSQL.
package storage

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	// DSN overrides the individual connection fields when set.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

// DefaultConfig matches the local development database.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "layerbridge",
		Password:          "layerbridge_dev",
		Database:          "layerbridge",
		SSLMode:           "disable",
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

func (c Config) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type DB struct {
	pool *pgxpool.Pool
}

// withPoolDefaults fills zero pool settings from DefaultConfig.
func (c Config) withPoolDefaults() Config {
	def := DefaultConfig()
	for _, f := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.MaxConnLifetime, def.MaxConnLifetime},
		{&c.MaxConnIdleTime, def.MaxConnIdleTime},
		{&c.HealthCheckPeriod, def.HealthCheckPeriod},
	} {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.MinConns <= 0 || c.MinConns > c.MaxConns {
		c.MinConns = min(def.MinConns, c.MaxConns)
	}
	return c
}

// New opens a pool and pings it.
func New(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withPoolDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns, poolCfg.MinConns = cfg.MaxConns, cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTx runs fn in a transaction, committing only when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
