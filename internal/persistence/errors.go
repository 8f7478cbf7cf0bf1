package persistence

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("record not found")

// ErrTombstoned is returned when a non-deleted save targets an id whose
// stored record carries a tombstone. Delete wins: the store is left
// unchanged and the caller decides whether the rejection matters.
var ErrTombstoned = errors.New("record is tombstoned")

// TransactionError wraps a failed write transaction. The write did not
// happen; prior state is untouched and the operation is safe to retry.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// VerificationError reports a post-write read-back mismatch. The
// transaction committed, so the write likely succeeded; only the
// verification read disagreed. Not retried automatically.
type VerificationError struct {
	Kind        string
	ID          string
	WantVersion int64
	GotVersion  int64
	WantBlobs   int
	GotBlobs    int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("read-back verification failed for %s %s: version got %d want %d, blobs got %d want %d",
		e.Kind, e.ID, e.GotVersion, e.WantVersion, e.GotBlobs, e.WantBlobs)
}

// QuotaExceededError reports that storage usage still exceeds the critical
// threshold after a full governor pass. Manual eviction is required.
type QuotaExceededError struct {
	UsageBytes    int64
	CriticalBytes int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d bytes in use, critical threshold %d", e.UsageBytes, e.CriticalBytes)
}
