package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultBackendTable = "kv_documents"

// PostgresBackend mirrors kvstore paths into rows of a single table keyed by
// path, one row per document.
type PostgresBackend struct {
	db    *sql.DB
	table string
}

// PostgresConfig configures a PostgresBackend.
type PostgresConfig struct {
	DSN    string
	Schema string
	Table  string
}

// NewPostgresBackend opens a connection pool against cfg.DSN and ensures the
// backing table exists.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend: DSN is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultBackendTable
	}
	if schema := strings.TrimSpace(cfg.Schema); schema != "" {
		table = quoteIdentifier(schema) + "." + quoteIdentifier(table)
	} else {
		table = quoteIdentifier(table)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres backend: ping: %w", err)
	}
	backend := &PostgresBackend{db: db, table: table}
	if err := backend.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (b *PostgresBackend) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path TEXT PRIMARY KEY,
		content BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, b.table)
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres backend: ensure table: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Pull reads path's row, returning ok=false if no row exists.
func (b *PostgresBackend) Pull(ctx context.Context, path string) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE path = $1", b.table)
	var content []byte
	err := b.db.QueryRowContext(ctx, query, path).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres backend: select: %w", err)
	}
	return content, true, nil
}

// Push upserts path's row with data.
func (b *PostgresBackend) Push(ctx context.Context, path string, data []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (path, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`, b.table)
	if _, err := b.db.ExecContext(ctx, query, path, data); err != nil {
		return fmt.Errorf("postgres backend: upsert: %w", err)
	}
	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
