package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "textcal_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresAdapter backs the key/value surface with a single upsert table.
// The schema is created lazily on first use.
type PostgresAdapter struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresAdapter(dsn string) (*PostgresAdapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresAdapter{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (a *PostgresAdapter) Get(key string) (string, error) {
	if a == nil || strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	if err := a.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdentifier(a.tableName))
	var value string
	err := a.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (a *PostgresAdapter) Set(key, value string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := a.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(a.tableName))
	_, err := a.db.ExecContext(ctx, query, key, value)
	return err
}

func (a *PostgresAdapter) Delete(key string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := a.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(a.tableName))
	_, err := a.db.ExecContext(ctx, query, key)
	return err
}

func (a *PostgresAdapter) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *PostgresAdapter) ensureReady() error {
	if a == nil {
		return ErrInvalidInput
	}
	a.initOnce.Do(func() {
		db, err := a.openDB("postgres", a.dsn)
		if err != nil {
			a.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(a.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			a.initErr = err
			return
		}
		a.db = db
	})
	return a.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
