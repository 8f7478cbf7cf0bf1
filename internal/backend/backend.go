// Package backend abstracts where snapshots live remotely. Each backend
// stores one whole-state snapshot per account; the sync engine decides
// what to do with it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoSnapshot means the backend has never received a push.
var ErrNoSnapshot = errors.New("backend: no snapshot stored")

// Backend moves opaque snapshot payloads. Implementations do not parse
// the payload; serialization and validation belong to the caller.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// PutSnapshot stores the payload as the current snapshot.
	PutSnapshot(ctx context.Context, deviceID string, payload []byte) error
	// GetSnapshot returns the current snapshot, or ErrNoSnapshot.
	GetSnapshot(ctx context.Context) ([]byte, error)
}

// NetworkError wraps a transport failure. Callers treat it as retryable:
// the push stays queued and runs again later.
type NetworkError struct {
	Backend string
	Op      string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is a NetworkError whose cause was a deadline.
type TimeoutError struct {
	NetworkError
}

// StatusError is an HTTP-level rejection: the backend was reachable and
// answered with a non-2xx status.
type StatusError struct {
	Backend string
	Op      string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Backend, e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Backend, e.Op, e.Status, e.Body)
}

// IsRetryable reports whether err is a transient failure worth leaving
// queued: a transport error, a timeout, or a server-side status. A 4xx
// rejection (bad credentials, bad request) is permanent and surfaces to
// the caller instead.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError || se.Status == http.StatusTooManyRequests
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
