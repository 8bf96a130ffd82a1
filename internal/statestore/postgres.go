package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "casebridge_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores keys in a single table with an optional expiry.
// Expired rows are invisible to reads and purged when the table is opened.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(b.tableName))
	var value string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl).UTC(), Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key, value, expiresAt)
	return err
}

func (b *PostgresBackend) Incr(ctx context.Context, key string) (int64, error) {
	if err := b.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s AS kv (key, value, expires_at, updated_at)
		VALUES ($1, '1', NULL, NOW())
		ON CONFLICT (key)
		DO UPDATE SET
			value = CASE
				WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= NOW() THEN '1'
				ELSE (CAST(kv.value AS BIGINT) + 1)::TEXT
			END,
			expires_at = NULL,
			updated_at = NOW()
		RETURNING value`, table)
	var raw string
	if err := b.db.QueryRowContext(ctx, query, key).Scan(&raw); err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					expires_at TIMESTAMPTZ NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`, table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
