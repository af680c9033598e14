// Package postgres provides a result store backed by a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "audit_results"

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ResultStore keeps one row per tested URL, keyed by content address.
type ResultStore struct {
	pool  pool
	table string
}

// New connects to Postgres and creates the results table when missing.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(p pool, table string) (*ResultStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: p, table: table}, nil
}

// EnsureSchema creates the results table if it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	entry      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts the entry and returns its id.
func (s *ResultStore) Put(ctx context.Context, entry audit.Entry) (string, error) {
	if strings.TrimSpace(entry.URL) == "" {
		return "", errors.New("entry url is required")
	}
	entry.ID = audit.ID(entry.URL)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, entry, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET url = EXCLUDED.url, entry = EXCLUDED.entry, created_at = EXCLUDED.created_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, entry.ID, entry.URL, encoded, entry.CreatedAt); err != nil {
		return "", fmt.Errorf("insert result: %w", err)
	}
	return entry.ID, nil
}

// Get returns the entry for the lookup or audit.ErrNotFound.
func (s *ResultStore) Get(ctx context.Context, lookup audit.Lookup) (audit.Entry, error) {
	id, err := lookup.Key()
	if err != nil {
		return audit.Entry{}, err
	}
	var raw []byte
	query := fmt.Sprintf(`SELECT entry FROM %s WHERE id = $1`, s.table)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Entry{}, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
		}
		return audit.Entry{}, fmt.Errorf("select result: %w", err)
	}
	var entry audit.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return entry, nil
}

// Exists reports whether a row exists for id.
func (s *ResultStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := audit.ValidateID(id); err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check result: %w", err)
	}
	return exists, nil
}

// Reset deletes every row.
func (s *ResultStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("reset results: %w", err)
	}
	return nil
}
