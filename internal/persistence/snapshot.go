package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SnapshotMetadata identifies who wrote a snapshot and when.
type SnapshotMetadata struct {
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName,omitempty"`
}

// Snapshot is the full replicated state: every record including
// tombstones, with meeting blobs inlined. It is what goes over the wire
// on push and comes back on pull.
type Snapshot struct {
	Meetings     []Meeting        `json:"meetings"`
	Stakeholders []Stakeholder    `json:"stakeholders"`
	Categories   []Category       `json:"categories"`
	Metadata     SnapshotMetadata `json:"metadata"`
}

// BuildSnapshot exports the full store state, tombstones included.
// Evicted meetings are exported without blob content; a replica that
// still holds the blobs keeps them through merge because eviction never
// bumps the version or timestamp.
func (s *Store) BuildSnapshot(ctx context.Context, deviceID, deviceName string) (*Snapshot, error) {
	meetings, err := s.ListMeetings(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range meetings {
		if meetings[i].Deleted || meetings[i].BlobsEvicted {
			continue
		}
		blobs, err := s.getMeetingBlobs(ctx, meetings[i].ID)
		if err != nil {
			return nil, err
		}
		meetings[i].Blobs = blobs
	}
	stakeholders, err := s.ListStakeholders(ctx, true)
	if err != nil {
		return nil, err
	}
	categories, err := s.ListCategories(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Meetings:     meetings,
		Stakeholders: stakeholders,
		Categories:   categories,
		Metadata: SnapshotMetadata{
			Timestamp:  time.Now().UTC(),
			DeviceID:   deviceID,
			DeviceName: deviceName,
		},
	}, nil
}

// ApplyStats reports what an ApplySnapshot pass did.
type ApplyStats struct {
	Applied  int
	Skipped  int
	Restored int
}

// ApplySnapshot merges a remote snapshot into the local store. For each
// record, the incoming copy is applied only when it is strictly newer
// than what is stored; equal or older copies are skipped, so applying
// the same snapshot twice is a no-op. Saves go through the normal save
// path with the queue suppressed and remote timestamps preserved:
// remote data is not a local change to re-push. A tombstone rejection
// on an individual record counts as a skip, not a failure.
//
// A locally evicted meeting whose remote copy carries the full blob set
// is re-hydrated even when the metadata is otherwise current: eviction
// never bumps the version, so the timestamp check alone would skip it.
//
// One bulk store.updated event covers the whole batch; individual
// record saves stay silent.
func (s *Store) ApplySnapshot(ctx context.Context, snap *Snapshot) (ApplyStats, error) {
	stats, err := s.applySnapshot(ctx, snap)
	if err != nil {
		return stats, err
	}
	if stats.Applied > 0 || stats.Restored > 0 {
		s.publishUpdated("", "", "sync_apply")
	}
	return stats, nil
}

func (s *Store) applySnapshot(ctx context.Context, snap *Snapshot) (ApplyStats, error) {
	var stats ApplyStats
	opts := SaveOptions{SkipQueue: true, KeepUpdatedAt: true, NoPublish: true}

	// Categories then stakeholders then meetings, so references land
	// after their targets.
	for i := range snap.Categories {
		incoming := snap.Categories[i]
		stored, err := s.GetCategory(ctx, incoming.ID)
		if err == nil && !stored.UpdatedAt.Before(incoming.UpdatedAt) {
			stats.Skipped++
			continue
		}
		if _, err := s.SaveCategory(ctx, &incoming, opts); err != nil {
			if errors.Is(err, ErrTombstoned) {
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("apply category %s: %w", incoming.ID, err)
		}
		stats.Applied++
	}
	for i := range snap.Stakeholders {
		incoming := snap.Stakeholders[i]
		stored, err := s.GetStakeholder(ctx, incoming.ID)
		if err == nil && !stored.UpdatedAt.Before(incoming.UpdatedAt) {
			stats.Skipped++
			continue
		}
		if _, err := s.SaveStakeholder(ctx, &incoming, opts); err != nil {
			if errors.Is(err, ErrTombstoned) {
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("apply stakeholder %s: %w", incoming.ID, err)
		}
		stats.Applied++
	}
	for i := range snap.Meetings {
		incoming := snap.Meetings[i]
		stored, err := s.getMeetingMeta(ctx, incoming.ID)
		if err == nil && !stored.UpdatedAt.Before(incoming.UpdatedAt) {
			if stored.BlobsEvicted && !stored.Deleted && !incoming.Deleted && len(incoming.Blobs) > 0 {
				if err := s.restoreBlobs(ctx, incoming.ID, incoming.Blobs); err != nil {
					return stats, fmt.Errorf("restore meeting %s blobs: %w", incoming.ID, err)
				}
				stats.Restored++
				continue
			}
			stats.Skipped++
			continue
		}
		if _, err := s.SaveMeeting(ctx, &incoming, opts); err != nil {
			if errors.Is(err, ErrTombstoned) {
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("apply meeting %s: %w", incoming.ID, err)
		}
		stats.Applied++
	}
	return stats, nil
}

// ReplaceWithSnapshot discards all local state, including the outbox,
// and loads the snapshot as the new truth. Used when the user resolves a
// conflict in favor of the remote copy.
func (s *Store) ReplaceWithSnapshot(ctx context.Context, snap *Snapshot) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &TransactionError{Op: "replace snapshot", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range []string{
			`DELETE FROM meeting_blobs;`,
			`DELETE FROM meeting_search;`,
			`DELETE FROM meetings;`,
			`DELETE FROM stakeholders;`,
			`DELETE FROM categories;`,
			`DELETE FROM outbox;`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &TransactionError{Op: "replace snapshot", Err: err}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if _, err := s.applySnapshot(ctx, snap); err != nil {
		return err
	}
	s.publishUpdated("", "", "replace")
	return nil
}
