package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SnapshotStore is a durable key/value store for opaque snapshot blobs.
// It backs the geo aggregator's persistence.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save replaces the blob stored under key.
func (s *SnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, key, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", key, err)
	}
	return nil
}

// Load returns the blob under key. A missing key is not an error.
func (s *SnapshotStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %q: %w", key, err)
	}
	return data, true, nil
}

func (s *SnapshotStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove snapshot %q: %w", key, err)
	}
	return nil
}

// UpdatedAt reports when key was last saved.
func (s *SnapshotStore) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM snapshots WHERE key = ?`, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("snapshot %q timestamp: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("snapshot %q timestamp %q: %w", key, ts, err)
	}
	return t, true, nil
}
