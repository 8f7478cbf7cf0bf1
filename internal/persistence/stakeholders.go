package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveStakeholder applies the same versioning and delete-wins rules as
// meetings: version is stored+1 (or 1), and a non-deleted save onto a
// tombstone is rejected with ErrTombstoned.
func (s *Store) SaveStakeholder(ctx context.Context, st *Stakeholder, opts SaveOptions) (*Stakeholder, error) {
	if st == nil || st.ID == "" {
		return nil, fmt.Errorf("save stakeholder: missing id")
	}

	now := time.Now().UTC()
	rec := *st
	if !opts.KeepUpdatedAt || rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Deleted {
		if rec.DeletedAt == nil {
			rec.DeletedAt = &rec.UpdatedAt
		}
	} else {
		rec.DeletedAt = nil
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "save stakeholder", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		var storedVersion int64
		var storedDeleted bool
		switch err := tx.QueryRowContext(ctx,
			`SELECT version, deleted FROM stakeholders WHERE id = ?;`, rec.ID,
		).Scan(&storedVersion, &storedDeleted); {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return &TransactionError{Op: "save stakeholder", Err: err}
		case storedDeleted && !rec.Deleted:
			return ErrTombstoned
		}
		rec.Version = storedVersion + 1

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO stakeholders (
				id, name, category_id, priority, health, interactions,
				version, updated_at, deleted, deleted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			rec.ID, rec.Name, rec.CategoryID, rec.Priority, rec.Health,
			rec.Interactions, rec.Version, formatTime(rec.UpdatedAt),
			rec.Deleted, nullableTime(rec.DeletedAt),
		); err != nil {
			return &TransactionError{Op: "save stakeholder", Err: err}
		}

		if !opts.SkipQueue {
			if err := s.enqueueTx(ctx, tx, KindStakeholder, &rec, storedVersion == 0); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if !opts.NoPublish {
		s.publishUpdated(KindStakeholder, rec.ID, saveReason(rec.Deleted, opts))
	}
	return &rec, nil
}

// GetStakeholder returns the stakeholder, tombstones included.
func (s *Store) GetStakeholder(ctx context.Context, id string) (*Stakeholder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, priority, health, interactions,
			version, updated_at, deleted, deleted_at
		FROM stakeholders WHERE id = ?;
	`, id)
	st, err := scanStakeholder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stakeholder: %w", err)
	}
	return st, nil
}

func scanStakeholder(scanFn func(dest ...any) error) (*Stakeholder, error) {
	var st Stakeholder
	var updatedStr string
	var deletedAt sql.NullString
	if err := scanFn(
		&st.ID, &st.Name, &st.CategoryID, &st.Priority, &st.Health,
		&st.Interactions, &st.Version, &updatedStr, &st.Deleted, &deletedAt,
	); err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedStr)
	st.DeletedAt = timeFromNull(deletedAt)
	return &st, nil
}

// ListStakeholders returns stakeholders ordered by name. Tombstones are
// included only when includeDeleted is set.
func (s *Store) ListStakeholders(ctx context.Context, includeDeleted bool) ([]Stakeholder, error) {
	query := `
		SELECT id, name, category_id, priority, health, interactions,
			version, updated_at, deleted, deleted_at
		FROM stakeholders`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY name ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list stakeholders: %w", err)
	}
	defer rows.Close()

	var out []Stakeholder
	for rows.Next() {
		st, err := scanStakeholder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stakeholder: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stakeholder rows: %w", err)
	}
	return out, nil
}

// SoftDeleteStakeholder stores a tombstone for the stakeholder.
func (s *Store) SoftDeleteStakeholder(ctx context.Context, id string) (*Stakeholder, error) {
	st, err := s.GetStakeholder(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	st.Deleted = true
	st.DeletedAt = &now
	return s.SaveStakeholder(ctx, st, SaveOptions{})
}
