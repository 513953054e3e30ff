// Package postgres holds the shared PostgreSQL plumbing: the traced
// connection pool, the query logging tracer and the schema migrations.
package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig controls connection pool sizing.
type PoolConfig struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RegisterFlags binds pool settings to fs.
func (c *PoolConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.MaxConns, "db-max-conns", 10, "maximum open database connections")
	fs.IntVar(&c.MinConns, "db-min-conns", 0, "minimum idle database connections")
	fs.DurationVar(&c.MaxConnLifetime, "db-max-conn-lifetime", time.Hour, "maximum lifetime of a database connection")
	fs.DurationVar(&c.MaxConnIdleTime, "db-max-conn-idle", 30*time.Minute, "maximum idle time of a database connection")
}

// Validate checks pool sizing.
func (c *PoolConfig) Validate() error {
	var errs []error
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("db-max-conns must be > 0, got %d", c.MaxConns))
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		errs = append(errs, fmt.Errorf("db-min-conns must be in [0, db-max-conns], got %d", c.MinConns))
	}
	return errors.Join(errs...)
}

// NewPool opens a pgx pool whose queries are traced with otelpgx and logged
// through the context logger.
func NewPool(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = int32(pc.MaxConns) //nolint:gosec // validated by PoolConfig.Validate
	}
	if pc.MinConns > 0 {
		cfg.MinConns = int32(pc.MinConns) //nolint:gosec // validated by PoolConfig.Validate
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer())

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
