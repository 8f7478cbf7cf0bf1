package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEntry is one pending local change awaiting push. Entries survive
// restarts; ordering is the autoincrement id, so per-record changes are
// pushed in the order they were made.
type OutboxEntry struct {
	ID         int64
	Kind       string
	Op         string
	RecordID   string
	Payload    json.RawMessage
	Status     string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"

	statusPending = "pending"
	statusSending = "sending"
)

// enqueueTx records a change in the outbox inside the caller's save
// transaction, so the data write and its queue entry commit together.
// A delete supersedes any still-pending create/update for the same
// record: pushing an edit for a record the user already deleted would
// only resurrect it remotely.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, kind string, record any, isCreate bool) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return &TransactionError{Op: "enqueue outbox", Err: err}
	}

	op := OpUpdate
	if isCreate {
		op = OpCreate
	}
	recordID := ""
	deleted := false
	switch r := record.(type) {
	case *Meeting:
		recordID, deleted = r.ID, r.Deleted
	case *Stakeholder:
		recordID, deleted = r.ID, r.Deleted
	case *Category:
		recordID, deleted = r.ID, r.Deleted
	default:
		return &TransactionError{Op: "enqueue outbox", Err: fmt.Errorf("unsupported record type %T", record)}
	}
	if deleted {
		op = OpDelete
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET superseded = 1
			WHERE kind = ? AND record_id = ? AND status = ? AND op != ? AND superseded = 0;
		`, kind, recordID, statusPending, OpDelete); err != nil {
			return &TransactionError{Op: "enqueue outbox", Err: err}
		}
	}

	now := formatTime(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (kind, op, record_id, payload, status, retry_count, last_error, superseded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', 0, ?, ?);
	`, kind, op, recordID, string(payload), statusPending, now, now); err != nil {
		return &TransactionError{Op: "enqueue outbox", Err: err}
	}
	return nil
}

// DrainOutbox marks all pending, non-superseded entries as sending and
// returns them in FIFO order. Callers must follow with MarkOutboxSent or
// MarkOutboxFailed; entries stuck in sending are recovered on next Open.
func (s *Store) DrainOutbox(ctx context.Context) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := retryOnBusy(ctx, 5, func() error {
		entries = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "drain outbox", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, kind, op, record_id, payload, status, retry_count, last_error, created_at
			FROM outbox
			WHERE status = ? AND superseded = 0
			ORDER BY id ASC;
		`, statusPending)
		if err != nil {
			return &TransactionError{Op: "drain outbox", Err: err}
		}
		for rows.Next() {
			var e OutboxEntry
			var payload, createdAt string
			if err := rows.Scan(&e.ID, &e.Kind, &e.Op, &e.RecordID, &payload, &e.Status, &e.RetryCount, &e.LastError, &createdAt); err != nil {
				rows.Close()
				return &TransactionError{Op: "drain outbox", Err: err}
			}
			e.Payload = json.RawMessage(payload)
			e.CreatedAt = parseTime(createdAt)
			entries = append(entries, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &TransactionError{Op: "drain outbox", Err: err}
		}

		now := formatTime(time.Now().UTC())
		for i := range entries {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox SET status = ?, updated_at = ? WHERE id = ?;
			`, statusSending, now, entries[i].ID); err != nil {
				return &TransactionError{Op: "drain outbox", Err: err}
			}
			entries[i].Status = statusSending
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkOutboxSent removes successfully pushed entries, along with any
// superseded entries for the same records: once the superseding change
// is on the backend, the rows it shadowed are garbage.
func (s *Store) MarkOutboxSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "mark outbox sent", Err: err}
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM outbox WHERE superseded = 1 AND record_id IN
					(SELECT record_id FROM outbox WHERE id = ?);
			`, id); err != nil {
				return &TransactionError{Op: "mark outbox sent", Err: err}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, id); err != nil {
				return &TransactionError{Op: "mark outbox sent", Err: err}
			}
		}
		return tx.Commit()
	})
}

// MarkOutboxFailed returns entries to pending with the failure recorded,
// so the next push retries them.
func (s *Store) MarkOutboxFailed(ctx context.Context, ids []int64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "mark outbox failed", Err: err}
		}
		defer func() { _ = tx.Rollback() }()
		now := formatTime(time.Now().UTC())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
				WHERE id = ?;
			`, statusPending, msg, now, id); err != nil {
				return &TransactionError{Op: "mark outbox failed", Err: err}
			}
		}
		return tx.Commit()
	})
}

// OutboxDepth counts pending, non-superseded entries. A non-zero depth
// means local changes have not reached the backend yet.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE status = ? AND superseded = 0;
	`, statusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}

// ClearOutbox drops every queue entry. Used when the local state is
// wholesale replaced by a remote snapshot: the pending changes describe
// data that no longer exists.
func (s *Store) ClearOutbox(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox;`)
	if err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

// recoverOutbox runs at Open: entries left in sending by a crash mid-push
// go back to pending so they are retried rather than lost.
func (s *Store) recoverOutbox(ctx context.Context) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?;
	`, statusPending, now, statusSending)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	return nil
}
