package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveCategory follows the shared versioning and delete-wins rules.
func (s *Store) SaveCategory(ctx context.Context, c *Category, opts SaveOptions) (*Category, error) {
	if c == nil || c.ID == "" {
		return nil, fmt.Errorf("save category: missing id")
	}

	now := time.Now().UTC()
	rec := *c
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
			return &TransactionError{Op: "save category", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		var storedVersion int64
		var storedDeleted bool
		switch err := tx.QueryRowContext(ctx,
			`SELECT version, deleted FROM categories WHERE id = ?;`, rec.ID,
		).Scan(&storedVersion, &storedDeleted); {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return &TransactionError{Op: "save category", Err: err}
		case storedDeleted && !rec.Deleted:
			return ErrTombstoned
		}
		rec.Version = storedVersion + 1

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO categories (
				id, label, description, color, version, updated_at, deleted, deleted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`,
			rec.ID, rec.Label, rec.Description, rec.Color, rec.Version,
			formatTime(rec.UpdatedAt), rec.Deleted, nullableTime(rec.DeletedAt),
		); err != nil {
			return &TransactionError{Op: "save category", Err: err}
		}

		if !opts.SkipQueue {
			if err := s.enqueueTx(ctx, tx, KindCategory, &rec, storedVersion == 0); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if !opts.NoPublish {
		s.publishUpdated(KindCategory, rec.ID, saveReason(rec.Deleted, opts))
	}
	return &rec, nil
}

// GetCategory returns the category, tombstones included.
func (s *Store) GetCategory(ctx context.Context, id string) (*Category, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, description, color, version, updated_at, deleted, deleted_at
		FROM categories WHERE id = ?;
	`, id)
	c, err := scanCategory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

func scanCategory(scanFn func(dest ...any) error) (*Category, error) {
	var c Category
	var updatedStr string
	var deletedAt sql.NullString
	if err := scanFn(
		&c.ID, &c.Label, &c.Description, &c.Color, &c.Version,
		&updatedStr, &c.Deleted, &deletedAt,
	); err != nil {
		return nil, err
	}
	c.UpdatedAt = parseTime(updatedStr)
	c.DeletedAt = timeFromNull(deletedAt)
	return &c, nil
}

// ListCategories returns categories ordered by label.
func (s *Store) ListCategories(ctx context.Context, includeDeleted bool) ([]Category, error) {
	query := `
		SELECT id, label, description, color, version, updated_at, deleted, deleted_at
		FROM categories`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY label ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("category rows: %w", err)
	}
	return out, nil
}

// SoftDeleteCategory stores a tombstone for the category. Stakeholders
// keep their category_id; dangling references render as uncategorized.
func (s *Store) SoftDeleteCategory(ctx context.Context, id string) (*Category, error) {
	c, err := s.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c.Deleted = true
	c.DeletedAt = &now
	return s.SaveCategory(ctx, c, SaveOptions{})
}
