package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/database"
)

// SQLiteStore keeps documents in the documents table of the kernel
// database. The table is created by the kernel schema migration.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore returns a store backed by db.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key string, v any) (int, bool, error) {
	if err := validateKey(key); err != nil {
		return 0, false, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading %s: %w", key, err)
	}

	version, err := decode(key, []byte(raw), v)
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// Save implements Store. The row is replaced in a single statement.
func (s *SQLiteStore) Save(ctx context.Context, key string, version int, v any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := encode(key, version, v)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (key, version, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		key, version, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}
