package bus

// Store event topics. The UI contract is a single coarse "data updated"
// signal: subscribers re-read all record kinds rather than receiving deltas.
const (
	TopicStoreUpdated = "store.updated"
)

// StoreUpdatedEvent is published after any committed local mutation or
// applied sync/conflict resolution.
type StoreUpdatedEvent struct {
	Kind   string // "meeting", "stakeholder", "category", or "" for bulk
	ID     string // record id, empty for bulk applies
	Reason string // "save", "delete", "sync_apply", "replace", "evict_refetch", "purge"
}

// Sync event topics.
const (
	TopicSyncPushed    = "sync.pushed"
	TopicSyncPulled    = "sync.pulled"
	TopicSyncConflict  = "sync.conflict"
	TopicSyncResolved  = "sync.resolved"
	TopicSyncFailed    = "sync.failed"
)

// SyncResultEvent is published after a push, pull, or resolution attempt.
type SyncResultEvent struct {
	Backend  string // backend name (e.g. "httprelay", "couch")
	DeviceID string
	Outcome  string // "success", "queued", "no_remote_data", "conflict", "offline", "error"
	Detail   string // error text or resolution name, empty on clean success
}

// Governor event topics.
const (
	TopicGovernorRetiered = "governor.retiered"
	TopicGovernorEvicted  = "governor.evicted"
)

// EvictionEvent is published after a governor eviction pass.
type EvictionEvent struct {
	Evicted    int
	FreedBytes int64
	Trigger    string // "warning", "critical", "manual"
}
