// Package sqlstore keeps the durable credential tier in the credential_kv table
// (Postgres through pgx, or SQLite through modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dispatch-admin/console/internal/db"
	"dispatch-admin/console/internal/storage"
)

// Store is a storage.Store backed by a *sql.DB.
type Store struct {
	db   *sql.DB
	nowF func() time.Time

	getQuery    string
	setQuery    string
	deleteQuery string
}

// New returns a Store for db. driver selects the placeholder style ("postgres" or "sqlite").
func New(conn *sql.DB, driver string) (*Store, error) {
	var p1, p2, p3 string
	switch driver {
	case db.DriverPostgres:
		p1, p2, p3 = "$1", "$2", "$3"
	case db.DriverSQLite:
		p1, p2, p3 = "?", "?", "?"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	return &Store{
		db:          conn,
		nowF:        time.Now,
		getQuery:    "SELECT value FROM credential_kv WHERE name = " + p1,
		setQuery:    "INSERT INTO credential_kv (name, value, updated_at) VALUES (" + p1 + ", " + p2 + ", " + p3 + ") ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		deleteQuery: "DELETE FROM credential_kv WHERE name = " + p1,
	}, nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %q: %v", storage.ErrUnavailable, key, err)
	}
	return v, true, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.setQuery, key, value, s.nowF().UnixMilli()); err != nil {
		return fmt.Errorf("%w: set %q: %v", storage.ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", storage.ErrUnavailable, key, err)
	}
	return nil
}
