// Package postgres provides the Postgres-backed delivery log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "deliveries"

// Config controls the Postgres connection pool used for delivery rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// DeliveryStore writes one row per delivery attempt.
type DeliveryStore struct {
	pool  execCloser
	table string
}

// NewDeliveryStore connects a pool using cfg.
func NewDeliveryStore(ctx context.Context, cfg Config) (*DeliveryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	store, err := NewDeliveryStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDeliveryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDeliveryStoreWithPool(pool execCloser, table string) (*DeliveryStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DeliveryStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the delivery table when it does not exist.
func (s *DeliveryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	coalesce_key  TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	items         INTEGER NOT NULL,
	success       BOOLEAN NOT NULL,
	error         TEXT,
	delivered_at  TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create delivery table: %w", err)
	}
	return nil
}

// RecordDelivery inserts one delivery row. A missing ID is filled with a UUIDv7.
func (s *DeliveryStore) RecordDelivery(ctx context.Context, record relay.DeliveryRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("delivery store is not configured")
	}
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate delivery id: %w", err)
		}
		record.ID = id.String()
	}
	var errText *string
	if record.Error != "" {
		errText = &record.Error
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	coalesce_key,
	endpoint,
	items,
	success,
	error,
	delivered_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.table)

	args := []any{
		record.ID,
		record.Key,
		record.Endpoint,
		record.Items,
		record.Success,
		errText,
		record.DeliveredAt,
		record.Duration.Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *DeliveryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *DeliveryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
