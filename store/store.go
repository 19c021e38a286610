// Package store is the metadata store: trained-state per connection
// fingerprint, training run history, and the ask audit log, all in
// PostgreSQL. The query engine never depends on it; the trainer reaches
// it through the StateStore interface and the API service through the
// concrete type.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the metadata pool.
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

func (c *PoolConfig) Validate() error {
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	return nil
}

// NewPool opens and pings a pgx pool for the metadata database. The
// first ping retries with exponential backoff: in a compose stack the
// database routinely comes up a few seconds after the service. The
// caller owns the pool and closes it on shutdown.
func NewPool(ctx context.Context, cfg *PoolConfig) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, pool.Ping(pingCtx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping metadata database: %w", err)
	}
	return pool, nil
}

// Config configures a Store over an existing pool. The pool stays owned
// by the caller.
type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

type Store struct {
	cfg  *Config
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	return &Store{cfg: cfg, log: cfg.Logger, pool: cfg.Pool}, nil
}

// Ping reports whether the metadata database is reachable. The
// readiness probe calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
