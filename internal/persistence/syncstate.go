package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Keys tracked in sync_state.
const (
	SyncKeyLastPushAt       = "last_push_at"
	SyncKeyLastPullAt       = "last_pull_at"
	SyncKeyLastRemoteStamp  = "last_remote_timestamp"
	SyncKeyLastRemoteDevice = "last_remote_device"
)

// GetSyncState reads one sync bookkeeping value. A missing key returns
// an empty string, not an error.
func (s *Store) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?;`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %s: %w", key, err)
	}
	return value, nil
}

// SetSyncState upserts one sync bookkeeping value.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
	`, key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set sync state %s: %w", key, err)
	}
	return nil
}
