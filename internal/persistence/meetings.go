package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveMeeting writes a meeting's metadata, blob set, and derived lookup
// row in a single transaction. Delete-wins is evaluated against the
// stored record before anything is written; the version is incremented
// by exactly one relative to the stored version (or set to 1). After the
// transaction commits, the row is re-read and checked against the
// expected version and blob count; a mismatch surfaces as a
// *VerificationError without rollback.
func (s *Store) SaveMeeting(ctx context.Context, m *Meeting, opts SaveOptions) (*Meeting, error) {
	if m == nil || m.ID == "" {
		return nil, fmt.Errorf("save meeting: missing id")
	}

	now := time.Now().UTC()
	rec := *m
	if !opts.KeepUpdatedAt || rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = now
	}
	rec.Tier = DefaultTierPolicy.TierOf(rec.LastAccessedAt, now)
	if rec.Deleted {
		// Tombstones carry no payload.
		rec.Blobs = nil
		if rec.DeletedAt == nil {
			rec.DeletedAt = &rec.UpdatedAt
		}
	} else {
		rec.DeletedAt = nil
		rec.BlobsEvicted = false
	}

	var newVersion int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "save meeting", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		var storedVersion int64
		var storedDeleted bool
		switch err := tx.QueryRowContext(ctx,
			`SELECT version, deleted FROM meetings WHERE id = ?;`, rec.ID,
		).Scan(&storedVersion, &storedDeleted); {
		case errors.Is(err, sql.ErrNoRows):
			// First save of this id.
		case err != nil:
			return &TransactionError{Op: "save meeting", Err: err}
		case storedDeleted && !rec.Deleted:
			return ErrTombstoned
		}

		newVersion = storedVersion + 1
		rec.Version = newVersion

		stakeholderJSON, err := json.Marshal(rec.StakeholderIDs)
		if err != nil {
			return &TransactionError{Op: "save meeting", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO meetings (
				id, title, meeting_date, stakeholder_ids, version, updated_at,
				deleted, deleted_at, last_accessed_at, tier, blobs_evicted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			rec.ID, rec.Title, formatTime(rec.Date), string(stakeholderJSON),
			newVersion, formatTime(rec.UpdatedAt),
			rec.Deleted, nullableTime(rec.DeletedAt),
			formatTime(rec.LastAccessedAt), string(rec.Tier), rec.BlobsEvicted,
		); err != nil {
			return &TransactionError{Op: "save meeting", Err: err}
		}

		// Blob set replacement is all-or-nothing: old rows go, the new set
		// lands, in this same transaction.
		if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_blobs WHERE meeting_id = ?;`, rec.ID); err != nil {
			return &TransactionError{Op: "save meeting blobs", Err: err}
		}
		for _, b := range rec.Blobs {
			size := b.SizeBytes
			if size == 0 {
				size = int64(len(b.Content))
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO meeting_blobs (meeting_id, blob_type, content, size_bytes)
				VALUES (?, ?, ?, ?);
			`, rec.ID, b.Type, b.Content, size); err != nil {
				return &TransactionError{Op: "save meeting blobs", Err: err}
			}
		}

		if rec.Deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_search WHERE meeting_id = ?;`, rec.ID); err != nil {
				return &TransactionError{Op: "save meeting index", Err: err}
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO meeting_search (meeting_id, title, meeting_date, stakeholder_csv)
				VALUES (?, ?, ?, ?);
			`, rec.ID, rec.Title, formatTime(rec.Date), strings.Join(rec.StakeholderIDs, ",")); err != nil {
				return &TransactionError{Op: "save meeting index", Err: err}
			}
		}

		if !opts.SkipQueue {
			if err := s.enqueueTx(ctx, tx, KindMeeting, &rec, storedVersion == 0); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return &TransactionError{Op: "save meeting", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored, verr := s.verifyMeeting(ctx, rec.ID, newVersion, len(rec.Blobs))
	if !opts.NoPublish {
		s.publishUpdated(KindMeeting, rec.ID, saveReason(rec.Deleted, opts))
	}
	if verr != nil {
		return stored, verr
	}
	return stored, nil
}

// saveReason distinguishes local edits from snapshot applies so
// subscribers can tell which updates represent new outbound changes.
func saveReason(deleted bool, opts SaveOptions) string {
	if opts.SkipQueue {
		return "sync_apply"
	}
	if deleted {
		return "delete"
	}
	return "save"
}

// verifyMeeting rereads the just-written row and checks version and blob
// count. The transaction already committed, so a mismatch is reported,
// not rolled back.
func (s *Store) verifyMeeting(ctx context.Context, id string, wantVersion int64, wantBlobs int) (*Meeting, *VerificationError) {
	stored, err := s.GetMeeting(ctx, id)
	if err != nil {
		return nil, &VerificationError{Kind: KindMeeting, ID: id, WantVersion: wantVersion, WantBlobs: wantBlobs}
	}
	if stored.Version != wantVersion || len(stored.Blobs) != wantBlobs {
		return stored, &VerificationError{
			Kind:        KindMeeting,
			ID:          id,
			WantVersion: wantVersion,
			GotVersion:  stored.Version,
			WantBlobs:   wantBlobs,
			GotBlobs:    len(stored.Blobs),
		}
	}
	return stored, nil
}

// GetMeeting returns the meeting with its blob set. Tombstoned meetings
// are returned as-is; callers check Deleted.
func (s *Store) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.getMeetingMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	blobs, err := s.getMeetingBlobs(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Blobs = blobs
	return m, nil
}

func (s *Store) getMeetingMeta(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, meeting_date, stakeholder_ids, version, updated_at,
			deleted, deleted_at, last_accessed_at, tier, blobs_evicted
		FROM meetings WHERE id = ?;
	`, id)
	m, err := scanMeeting(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

func scanMeeting(scanFn func(dest ...any) error) (*Meeting, error) {
	var m Meeting
	var dateStr, updatedStr, accessedStr, stakeholderJSON, tierStr string
	var deletedAt sql.NullString
	if err := scanFn(
		&m.ID, &m.Title, &dateStr, &stakeholderJSON, &m.Version, &updatedStr,
		&m.Deleted, &deletedAt, &accessedStr, &tierStr, &m.BlobsEvicted,
	); err != nil {
		return nil, err
	}
	m.Date = parseTime(dateStr)
	m.UpdatedAt = parseTime(updatedStr)
	m.LastAccessedAt = parseTime(accessedStr)
	m.DeletedAt = timeFromNull(deletedAt)
	m.Tier = Tier(tierStr)
	if err := json.Unmarshal([]byte(stakeholderJSON), &m.StakeholderIDs); err != nil {
		m.StakeholderIDs = nil
	}
	return &m, nil
}

func (s *Store) getMeetingBlobs(ctx context.Context, id string) ([]MeetingBlob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_type, content, size_bytes
		FROM meeting_blobs WHERE meeting_id = ?
		ORDER BY blob_type ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get meeting blobs: %w", err)
	}
	defer rows.Close()

	var blobs []MeetingBlob
	for rows.Next() {
		var b MeetingBlob
		if err := rows.Scan(&b.Type, &b.Content, &b.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan meeting blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meeting blob rows: %w", err)
	}
	return blobs, nil
}

// AccessMeeting returns the meeting with blobs and records the access by
// updating last_accessed_at (and, when the touch changes it, the tier).
// No version bump and no outbox entry: reads are not mutations.
func (s *Store) AccessMeeting(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return m, nil
	}
	now := time.Now().UTC()
	tier := DefaultTierPolicy.TierOf(now, now)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET last_accessed_at = ?, tier = ? WHERE id = ?;
	`, formatTime(now), string(tier), id); err != nil {
		return nil, fmt.Errorf("touch meeting: %w", err)
	}
	m.LastAccessedAt = now
	m.Tier = tier
	return m, nil
}

// SoftDeleteMeeting stores a tombstone for the meeting so the deletion
// propagates through sync. The blob set is cleared as part of the save.
func (s *Store) SoftDeleteMeeting(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.getMeetingMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m.Deleted = true
	m.DeletedAt = &now
	m.Blobs = nil
	return s.SaveMeeting(ctx, m, SaveOptions{})
}

// PurgeMeeting physically removes a meeting and its blobs. This bypasses
// the tombstone mechanism: a remote replica that still holds the record
// will bring it back on the next pull. Treat it as local cache eviction,
// not a sync-safe delete.
func (s *Store) PurgeMeeting(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "purge meeting", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range []string{
			`DELETE FROM meeting_blobs WHERE meeting_id = ?;`,
			`DELETE FROM meeting_search WHERE meeting_id = ?;`,
			`DELETE FROM meetings WHERE id = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return &TransactionError{Op: "purge meeting", Err: err}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishUpdated(KindMeeting, id, "purge")
	return nil
}

// ListMeetings returns all non-tombstoned meeting metadata (no blobs),
// newest meeting date first. Set includeDeleted to include tombstones.
func (s *Store) ListMeetings(ctx context.Context, includeDeleted bool) ([]Meeting, error) {
	query := `
		SELECT id, title, meeting_date, stakeholder_ids, version, updated_at,
			deleted, deleted_at, last_accessed_at, tier, blobs_evicted
		FROM meetings`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY meeting_date DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meeting rows: %w", err)
	}
	return out, nil
}

// ListMeetingsByTier returns non-tombstoned meeting metadata in the given
// tier, oldest access first (the governor's eviction order).
func (s *Store) ListMeetingsByTier(ctx context.Context, tier Tier) ([]Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, meeting_date, stakeholder_ids, version, updated_at,
			deleted, deleted_at, last_accessed_at, tier, blobs_evicted
		FROM meetings
		WHERE deleted = 0 AND tier = ?
		ORDER BY last_accessed_at ASC, id ASC;
	`, string(tier))
	if err != nil {
		return nil, fmt.Errorf("list meetings by tier: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meeting rows: %w", err)
	}
	return out, nil
}

// SearchMeetings matches against the derived lookup table: title
// substring or stakeholder id. Tombstones never appear; their index
// rows are removed on delete.
func (s *Store) SearchMeetings(ctx context.Context, query string) ([]Meeting, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.title, m.meeting_date, m.stakeholder_ids, m.version, m.updated_at,
			m.deleted, m.deleted_at, m.last_accessed_at, m.tier, m.blobs_evicted
		FROM meeting_search idx
		JOIN meetings m ON m.id = idx.meeting_id
		WHERE idx.title LIKE ? OR idx.stakeholder_csv LIKE ?
		ORDER BY idx.meeting_date DESC, idx.meeting_id ASC;
	`, like, like)
	if err != nil {
		return nil, fmt.Errorf("search meetings: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meeting rows: %w", err)
	}
	return out, nil
}

// RecomputeTiers rederives the tier of every non-tombstoned meeting from
// last_accessed_at and returns how many rows changed tier.
func (s *Store) RecomputeTiers(ctx context.Context, policy TierPolicy, now time.Time) (int, error) {
	meetings, err := s.ListMeetings(ctx, false)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, m := range meetings {
		tier := policy.TierOf(m.LastAccessedAt, now)
		if tier == m.Tier {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE meetings SET tier = ? WHERE id = ?;`, string(tier), m.ID); err != nil {
			return changed, fmt.Errorf("retier meeting %s: %w", m.ID, err)
		}
		changed++
	}
	return changed, nil
}

// BlobUsageBytes reports total heavy-payload usage across all meetings.
func (s *Store) BlobUsageBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM meeting_blobs;`).Scan(&total); err != nil {
		return 0, fmt.Errorf("blob usage: %w", err)
	}
	return total.Int64, nil
}

// EvictionResult reports one eviction pass.
type EvictionResult struct {
	Evicted    int
	FreedBytes int64
}

// EvictBlobs removes blob rows for non-tombstoned meetings in the given
// tier, oldest access first, up to limit meetings (limit <= 0 means all).
// Metadata rows are untouched; blobs_evicted marks the gap so an empty
// blob set reads as "evicted", not "never had content".
func (s *Store) EvictBlobs(ctx context.Context, tier Tier, limit int) (EvictionResult, error) {
	var result EvictionResult
	err := retryOnBusy(ctx, 5, func() error {
		result = EvictionResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "evict blobs", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT m.id, COALESCE(SUM(b.size_bytes), 0)
			FROM meetings m
			JOIN meeting_blobs b ON b.meeting_id = m.id
			WHERE m.deleted = 0 AND m.tier = ?
			GROUP BY m.id
			ORDER BY m.last_accessed_at ASC, m.id ASC`
		args := []any{string(tier)}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, query+";", args...)
		if err != nil {
			return &TransactionError{Op: "evict blobs", Err: err}
		}
		type victim struct {
			id    string
			bytes int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.bytes); err != nil {
				rows.Close()
				return &TransactionError{Op: "evict blobs", Err: err}
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &TransactionError{Op: "evict blobs", Err: err}
		}

		for _, v := range victims {
			if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_blobs WHERE meeting_id = ?;`, v.id); err != nil {
				return &TransactionError{Op: "evict blobs", Err: err}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE meetings SET blobs_evicted = 1 WHERE id = ?;`, v.id); err != nil {
				return &TransactionError{Op: "evict blobs", Err: err}
			}
			result.Evicted++
			result.FreedBytes += v.bytes
		}
		return tx.Commit()
	})
	if err != nil {
		return EvictionResult{}, err
	}
	return result, nil
}

// RestoreBlobs re-attaches a full blob set fetched from a remote copy to
// an evicted meeting and clears the evicted marker. No version bump: the
// content is not new, it is the same record re-hydrated.
func (s *Store) RestoreBlobs(ctx context.Context, id string, blobs []MeetingBlob) error {
	if err := s.restoreBlobs(ctx, id, blobs); err != nil {
		return err
	}
	s.publishUpdated(KindMeeting, id, "evict_refetch")
	return nil
}

func (s *Store) restoreBlobs(ctx context.Context, id string, blobs []MeetingBlob) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "restore blobs", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_blobs WHERE meeting_id = ?;`, id); err != nil {
			return &TransactionError{Op: "restore blobs", Err: err}
		}
		for _, b := range blobs {
			size := b.SizeBytes
			if size == 0 {
				size = int64(len(b.Content))
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO meeting_blobs (meeting_id, blob_type, content, size_bytes)
				VALUES (?, ?, ?, ?);
			`, id, b.Type, b.Content, size); err != nil {
				return &TransactionError{Op: "restore blobs", Err: err}
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE meetings SET blobs_evicted = 0 WHERE id = ?;`, id); err != nil {
			return &TransactionError{Op: "restore blobs", Err: err}
		}
		return tx.Commit()
	})
}
