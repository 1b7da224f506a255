// Package sqlite stores ledger snapshots in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokenledger/pkg/snapshot"
)

var _ snapshot.Store = (*Store)(nil)

// Store keeps one row per snapshot key.
type Store struct {
	db *sql.DB
}

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS snapshots (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens (or creates) the snapshot database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &snapshot.Error{Op: snapshot.OpOpen, Err: err}
	}

	if _, err := db.Exec(createSnapshotTable); err != nil {
		db.Close()
		return nil, &snapshot.Error{Op: snapshot.OpOpen, Err: err}
	}

	return &Store{db: db}, nil
}

// Load returns the bytes last saved under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, &snapshot.Error{Op: snapshot.OpLoad, Err: err}
	}
	return data, nil
}

// Save replaces the snapshot stored under key.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (key, data, saved_at) VALUES (?, ?, ?)`,
		key, data, time.Now().UTC(),
	)
	if err != nil {
		return &snapshot.Error{Op: snapshot.OpSave, Err: err}
	}
	return nil
}

// SavedAt reports when key was last written.
func (s *Store) SavedAt(ctx context.Context, key string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshots WHERE key = ?`, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, snapshot.ErrNotFound
	}
	if err != nil {
		return time.Time{}, &snapshot.Error{Op: snapshot.OpLoad, Err: err}
	}
	return at, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
