package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// DBTX is the query surface shared by the pool and a transaction.
// Stores are written against it so the same code runs inside or outside WithTx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a pgxpool.Pool and provides transaction support.
type DB struct {
	pool *pgxpool.Pool
}

type Config struct {
	DSN string

	// With PgBouncer, this can be relatively low per replica.
	MaxConns int32

	MinConns int32
}

// New creates a new DB instance with the given configuration.
func New(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Conn returns the pool for non-transactional operations.
func (db *DB) Conn() DBTX {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate applies the embedded schema and records the audit retention policy
// that the intervention_records guard trigger enforces.
func (db *DB) Migrate(ctx context.Context, auditRetentionDays int) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO audit_policy (id, retention_days) VALUES (TRUE, $1)
		 ON CONFLICT (id) DO UPDATE SET retention_days = EXCLUDED.retention_days`,
		auditRetentionDays,
	); err != nil {
		return fmt.Errorf("setting audit retention: %w", err)
	}
	return nil
}

// WithTx executes the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
//
// Usage:
//
//	err := db.WithTx(ctx, func(tx db.DBTX) error {
//	    stores := store.NewStores(tx)
//	    if err := stores.CrisisEvents().Create(ctx, event); err != nil {
//	        return err
//	    }
//	    _, err := stores.Interventions().Append(ctx, record)
//	    return err
//	})
func (db *DB) WithTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Always attempt rollback on defer - it's a no-op if already committed
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
