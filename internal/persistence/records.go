package persistence

import "time"

// Record kinds, used for outbox entries and change notifications.
const (
	KindMeeting     = "meeting"
	KindStakeholder = "stakeholder"
	KindCategory    = "category"
)

// Blob types carried by a meeting. Each is stored as its own row and
// evicted as part of the meeting's blob set.
const (
	BlobTranscript = "transcript"
	BlobNotes      = "notes"
	BlobAnalysis   = "analysis"
)

// MeetingBlob is one heavy payload row attached to a meeting.
type MeetingBlob struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Meeting is the metadata half of a meeting record plus, when loaded or
// saved, its blob set. Metadata and blobs share the meeting id but are
// stored and evicted independently.
type Meeting struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Date           time.Time     `json:"date"`
	StakeholderIDs []string      `json:"stakeholderIds"`
	Version        int64         `json:"version"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Deleted        bool          `json:"deleted"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
	Tier           Tier          `json:"tier"`
	BlobsEvicted   bool          `json:"blobsEvicted"`
	Blobs          []MeetingBlob `json:"blobs,omitempty"`
}

// Stakeholder is a profile record. No blob split: always small.
type Stakeholder struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CategoryID   string     `json:"categoryId"`
	Priority     int        `json:"priority"`
	Health       string     `json:"health"`
	Interactions string     `json:"interactions"` // JSON-encoded interaction history
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Deleted      bool       `json:"deleted"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Category groups stakeholders under a label and color.
type Category struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Color       string     `json:"color"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// SaveOptions tunes a save call.
type SaveOptions struct {
	// SkipQueue suppresses the outbox entry. Bulk import and sync apply
	// paths set this; ordinary UI saves do not.
	SkipQueue bool

	// KeepUpdatedAt preserves the record's UpdatedAt instead of stamping
	// the current time. Sync apply sets this so remote timestamps survive
	// the merge; local edits leave it false.
	KeepUpdatedAt bool

	// NoPublish suppresses the per-record bus event. Snapshot apply sets
	// this and emits a single bulk event for the whole batch instead.
	NoPublish bool
}
