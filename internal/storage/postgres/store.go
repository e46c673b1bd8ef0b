// Package postgres provides the Postgres-backed crawl store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// ErrDSNRequired is returned when no connection string is configured.
var ErrDSNRequired = errors.New("database dsn is required")

// Store implements crawler.Store and crawler.CatalogStore.
type Store struct {
	db DB
}

var (
	_ crawler.Store        = (*Store)(nil)
	_ crawler.CatalogStore = (*Store)(nil)
)

// OpenPool creates a pgx pool from cfg and verifies connectivity.
func OpenPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New wraps an existing pool (or a pgxmock pool in tests).
func New(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Begin opens the transaction that scopes one crawl-loop iteration.
func (s *Store) Begin(ctx context.Context) (crawler.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func snowflakeArg(id crawler.Snowflake) (int64, error) {
	v, err := id.Int64()
	if err != nil {
		return 0, fmt.Errorf("snowflake %s: %w", id, err)
	}
	return v, nil
}
