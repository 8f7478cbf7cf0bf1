package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/minder/internal/persistence"
)

// Resolution is the user's answer to a sync conflict.
type Resolution string

const (
	// UseLocal overwrites the remote snapshot with local state.
	UseLocal Resolution = "use_local"
	// UseCloud discards local state, pending changes included, and
	// loads the remote snapshot.
	UseCloud Resolution = "use_cloud"
	// Merge combines both sides record by record: tombstones beat
	// edits, otherwise the later updatedAt wins wholesale.
	Merge Resolution = "merge"
)

// ParseResolution maps user input to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case UseLocal, UseCloud, Merge:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q (use_local, use_cloud, or merge)", s)
}

// ErrConflict signals that a pull found diverged state and stopped
// without touching the store. It is control flow, not a failure: the
// caller presents the conflict and later calls Resolve.
var ErrConflict = errors.New("sync: local and remote state have diverged")

// Conflict carries both sides of a diverged pull.
type Conflict struct {
	Local           *persistence.Snapshot
	Remote          *persistence.Snapshot
	LocalPending    int
	RemoteTimestamp time.Time
}

// mergeSnapshots combines two snapshots into one. Union of records by
// id; when both sides hold a record, a tombstone on either side wins,
// otherwise the copy with the later UpdatedAt is taken wholesale. No
// field-level merging: a half-merged meeting would belong to neither
// device's history.
func mergeSnapshots(local, remote *persistence.Snapshot) *persistence.Snapshot {
	merged := &persistence.Snapshot{
		Metadata: local.Metadata,
	}
	merged.Metadata.Timestamp = time.Now().UTC()

	meetings := map[string]persistence.Meeting{}
	for _, m := range local.Meetings {
		meetings[m.ID] = m
	}
	for _, rm := range remote.Meetings {
		lm, ok := meetings[rm.ID]
		if !ok {
			meetings[rm.ID] = rm
			continue
		}
		meetings[rm.ID] = pickMeeting(lm, rm)
	}
	for _, m := range meetings {
		merged.Meetings = append(merged.Meetings, m)
	}

	stakeholders := map[string]persistence.Stakeholder{}
	for _, s := range local.Stakeholders {
		stakeholders[s.ID] = s
	}
	for _, rs := range remote.Stakeholders {
		ls, ok := stakeholders[rs.ID]
		if !ok {
			stakeholders[rs.ID] = rs
			continue
		}
		stakeholders[rs.ID] = pickStakeholder(ls, rs)
	}
	for _, s := range stakeholders {
		merged.Stakeholders = append(merged.Stakeholders, s)
	}

	categories := map[string]persistence.Category{}
	for _, c := range local.Categories {
		categories[c.ID] = c
	}
	for _, rc := range remote.Categories {
		lc, ok := categories[rc.ID]
		if !ok {
			categories[rc.ID] = rc
			continue
		}
		categories[rc.ID] = pickCategory(lc, rc)
	}
	for _, c := range categories {
		merged.Categories = append(merged.Categories, c)
	}

	return merged
}

func pickMeeting(a, b persistence.Meeting) persistence.Meeting {
	if a.Deleted != b.Deleted {
		if a.Deleted {
			return a
		}
		return b
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	return a
}

func pickStakeholder(a, b persistence.Stakeholder) persistence.Stakeholder {
	if a.Deleted != b.Deleted {
		if a.Deleted {
			return a
		}
		return b
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	return a
}

func pickCategory(a, b persistence.Category) persistence.Category {
	if a.Deleted != b.Deleted {
		if a.Deleted {
			return a
		}
		return b
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	return a
}
