// Package syncer moves whole-state snapshots between the local store
// and a remote backend. Push sends everything, pull fetches everything;
// there is no per-record wire protocol. Conflicts stop the pull and
// wait for an explicit resolution.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/minder/internal/backend"
	"github.com/basket/minder/internal/bus"
	otelPkg "github.com/basket/minder/internal/otel"
	"github.com/basket/minder/internal/persistence"
)

// ErrSyncInProgress means another push or pull holds the sync lock.
var ErrSyncInProgress = errors.New("sync: another sync operation is in progress")

// Clock abstracts time for the stale-lock logic.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Outcome summarizes what a sync operation did.
type Outcome string

const (
	OutcomePushed       Outcome = "pushed"
	OutcomeUpToDate     Outcome = "up_to_date"
	OutcomeQueued       Outcome = "queued"
	OutcomeApplied      Outcome = "applied"
	OutcomeNoRemoteData Outcome = "no_remote_data"
	OutcomeLocalAhead   Outcome = "local_ahead"
	OutcomeConflict     Outcome = "conflict"
	OutcomeResolved     Outcome = "resolved"
)

// Result reports one sync operation.
type Result struct {
	Outcome  Outcome
	Pushed   int
	Applied  int
	Skipped  int
	Conflict *Conflict
}

// Options configures an Engine.
type Options struct {
	DeviceID    string
	DeviceName  string
	LockTimeout time.Duration
	Clock       Clock
}

// Engine coordinates pushes and pulls against one backend. A single
// advisory lock serializes sync operations in-process; a holder that
// exceeds LockTimeout is presumed dead and the lock is taken over.
type Engine struct {
	store     *persistence.Store
	backend   backend.Backend
	bus       *bus.Bus
	log       *slog.Logger
	validator *snapshotValidator

	deviceID    string
	deviceName  string
	lockTimeout time.Duration
	clock       Clock

	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	mu       sync.Mutex
	lockHeld bool
	lockAt   time.Time
}

// Instrument attaches tracing and metrics. Without it the engine emits
// nothing; the CLI subcommands run uninstrumented.
func (e *Engine) Instrument(tracer trace.Tracer, m *otelPkg.Metrics) {
	e.tracer = tracer
	e.metrics = m
}

func (e *Engine) startSpan(ctx context.Context, name string, kind trace.SpanKind) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	if kind == trace.SpanKindClient {
		return otelPkg.StartClientSpan(ctx, e.tracer, name,
			otelPkg.AttrBackend.String(e.backend.Name()), otelPkg.AttrDeviceID.String(e.deviceID))
	}
	return otelPkg.StartSpan(ctx, e.tracer, name,
		otelPkg.AttrBackend.String(e.backend.Name()), otelPkg.AttrDeviceID.String(e.deviceID))
}

func (e *Engine) recordDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, outcome Outcome) {
	if h == nil {
		return
	}
	h.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelPkg.AttrOutcome.String(string(outcome))))
}

func (e *Engine) putSnapshot(ctx context.Context, payload []byte) error {
	cctx, span := e.startSpan(ctx, "backend.put_snapshot", trace.SpanKindClient)
	defer span.End()
	err := e.backend.PutSnapshot(cctx, e.deviceID, payload)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (e *Engine) getSnapshot(ctx context.Context) ([]byte, error) {
	cctx, span := e.startSpan(ctx, "backend.get_snapshot", trace.SpanKindClient)
	defer span.End()
	raw, err := e.backend.GetSnapshot(cctx)
	if err != nil && !errors.Is(err, backend.ErrNoSnapshot) {
		span.RecordError(err)
	}
	return raw, err
}

func New(store *persistence.Store, be backend.Backend, eventBus *bus.Bus, log *slog.Logger, opts Options) (*Engine, error) {
	if store == nil || be == nil {
		return nil, fmt.Errorf("syncer: store and backend are required")
	}
	if log == nil {
		log = slog.Default()
	}
	validator, err := newSnapshotValidator()
	if err != nil {
		return nil, err
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Engine{
		store:       store,
		backend:     be,
		bus:         eventBus,
		log:         log,
		validator:   validator,
		deviceID:    opts.DeviceID,
		deviceName:  opts.DeviceName,
		lockTimeout: opts.LockTimeout,
		clock:       opts.Clock,
	}, nil
}

func (e *Engine) acquireLock() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	if e.lockHeld {
		if now.Sub(e.lockAt) < e.lockTimeout {
			return ErrSyncInProgress
		}
		// Stale holder: a crashed or hung operation. Take over.
		e.log.Warn("taking over stale sync lock", "held_since", e.lockAt)
	}
	e.lockHeld = true
	e.lockAt = now
	return nil
}

func (e *Engine) releaseLock() {
	e.mu.Lock()
	e.lockHeld = false
	e.mu.Unlock()
}

// Push sends the full local snapshot to the backend if the outbox has
// pending changes. A transport failure leaves the changes queued for a
// later retry and is not reported as an error.
func (e *Engine) Push(ctx context.Context) (*Result, error) {
	if err := e.acquireLock(); err != nil {
		return nil, err
	}
	defer e.releaseLock()

	ctx, span := e.startSpan(ctx, "sync.push", trace.SpanKindInternal)
	defer span.End()
	start := time.Now()
	res, err := e.pushLocked(ctx, false)
	outcome := Outcome("error")
	if res != nil {
		outcome = res.Outcome
	}
	e.recordDuration(ctx, e.pushHistogram(), start, outcome)
	return res, err
}

func (e *Engine) pushHistogram() metric.Float64Histogram {
	if e.metrics == nil {
		return nil
	}
	return e.metrics.PushDuration
}

func (e *Engine) pullHistogram() metric.Float64Histogram {
	if e.metrics == nil {
		return nil
	}
	return e.metrics.PullDuration
}

func (e *Engine) pushLocked(ctx context.Context, force bool) (*Result, error) {
	entries, err := e.store.DrainOutbox(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && !force {
		return &Result{Outcome: OutcomeUpToDate}, nil
	}
	ids := make([]int64, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}

	snap, err := e.store.BuildSnapshot(ctx, e.deviceID, e.deviceName)
	if err != nil {
		e.requeue(ctx, ids, err)
		return nil, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		e.requeue(ctx, ids, err)
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := e.validator.Validate(payload); err != nil {
		e.requeue(ctx, ids, err)
		return nil, err
	}

	if err := e.putSnapshot(ctx, payload); err != nil {
		e.requeue(ctx, ids, err)
		if backend.IsRetryable(err) {
			e.log.Info("push queued, backend unreachable", "backend", e.backend.Name(), "pending", len(entries), "error", err)
			e.publish(bus.TopicSyncFailed, string(OutcomeQueued), err.Error())
			return &Result{Outcome: OutcomeQueued, Pushed: 0}, nil
		}
		e.publish(bus.TopicSyncFailed, "error", err.Error())
		return nil, err
	}

	if err := e.store.MarkOutboxSent(ctx, ids); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.OutboxDepth.Add(ctx, -int64(len(entries)))
	}
	stamp := snap.Metadata.Timestamp.Format(time.RFC3339Nano)
	e.recordSyncState(ctx, persistence.SyncKeyLastPushAt, stamp, e.deviceID)
	e.log.Info("pushed snapshot", "backend", e.backend.Name(), "changes", len(entries),
		"meetings", len(snap.Meetings), "stakeholders", len(snap.Stakeholders), "categories", len(snap.Categories))
	e.publish(bus.TopicSyncPushed, string(OutcomePushed), fmt.Sprintf("%d changes", len(entries)))
	return &Result{Outcome: OutcomePushed, Pushed: len(entries)}, nil
}

func (e *Engine) requeue(ctx context.Context, ids []int64, cause error) {
	if err := e.store.MarkOutboxFailed(ctx, ids, cause); err != nil {
		e.log.Error("requeue outbox entries", "error", err)
	}
}

// Pull fetches the remote snapshot and merges it in, unless local
// pending changes and an unseen remote snapshot collide; then it stops
// with ErrConflict and a Conflict describing both sides. Nothing is
// written in the conflict case.
func (e *Engine) Pull(ctx context.Context) (*Result, error) {
	if err := e.acquireLock(); err != nil {
		return nil, err
	}
	defer e.releaseLock()

	ctx, span := e.startSpan(ctx, "sync.pull", trace.SpanKindInternal)
	defer span.End()
	start := time.Now()
	res, err := e.pullLocked(ctx)
	outcome := Outcome("error")
	if res != nil {
		outcome = res.Outcome
	}
	e.recordDuration(ctx, e.pullHistogram(), start, outcome)
	return res, err
}

func (e *Engine) pullLocked(ctx context.Context) (*Result, error) {
	raw, err := e.getSnapshot(ctx)
	if errors.Is(err, backend.ErrNoSnapshot) {
		e.log.Info("no remote snapshot", "backend", e.backend.Name())
		return &Result{Outcome: OutcomeNoRemoteData}, nil
	}
	if err != nil {
		e.publish(bus.TopicSyncFailed, "error", err.Error())
		return nil, err
	}
	remote, err := e.decodeSnapshot(raw)
	if err != nil {
		e.publish(bus.TopicSyncFailed, "error", err.Error())
		return nil, err
	}

	depth, err := e.store.OutboxDepth(ctx)
	if err != nil {
		return nil, err
	}
	remoteStamp := remote.Metadata.Timestamp.Format(time.RFC3339Nano)
	lastKnown, err := e.store.GetSyncState(ctx, persistence.SyncKeyLastRemoteStamp)
	if err != nil {
		return nil, err
	}

	if depth > 0 && remote.Metadata.DeviceID != e.deviceID {
		if remoteStamp == lastKnown {
			// Remote is exactly where we last left it; local is simply
			// ahead and the pending push will catch it up.
			return &Result{Outcome: OutcomeLocalAhead}, nil
		}
		local, err := e.store.BuildSnapshot(ctx, e.deviceID, e.deviceName)
		if err != nil {
			return nil, err
		}
		conflict := &Conflict{
			Local:           local,
			Remote:          remote,
			LocalPending:    depth,
			RemoteTimestamp: remote.Metadata.Timestamp,
		}
		e.log.Warn("sync conflict detected", "backend", e.backend.Name(),
			"local_pending", depth, "remote_device", remote.Metadata.DeviceID, "remote_timestamp", remoteStamp)
		e.publish(bus.TopicSyncConflict, string(OutcomeConflict), remote.Metadata.DeviceID)
		return &Result{Outcome: OutcomeConflict, Conflict: conflict}, ErrConflict
	}

	stats, err := e.store.ApplySnapshot(ctx, remote)
	if err != nil {
		return nil, err
	}
	e.recordSyncState(ctx, persistence.SyncKeyLastPullAt, remoteStamp, remote.Metadata.DeviceID)
	e.log.Info("pulled snapshot", "backend", e.backend.Name(),
		"applied", stats.Applied, "skipped", stats.Skipped, "remote_device", remote.Metadata.DeviceID)
	e.publish(bus.TopicSyncPulled, string(OutcomeApplied), fmt.Sprintf("%d applied, %d skipped", stats.Applied, stats.Skipped))
	return &Result{Outcome: OutcomeApplied, Applied: stats.Applied, Skipped: stats.Skipped}, nil
}

// Resolve settles a previously detected conflict. use_local overwrites
// the remote with local state, use_cloud wholesale replaces local state
// with the remote snapshot, merge combines both and stores the result
// on both sides.
func (e *Engine) Resolve(ctx context.Context, resolution Resolution) (*Result, error) {
	if err := e.acquireLock(); err != nil {
		return nil, err
	}
	defer e.releaseLock()

	ctx, span := e.startSpan(ctx, "sync.resolve", trace.SpanKindInternal)
	defer span.End()

	switch resolution {
	case UseLocal:
		res, err := e.pushLocked(ctx, true)
		if err != nil {
			return res, err
		}
		e.publish(bus.TopicSyncResolved, string(UseLocal), "")
		return &Result{Outcome: OutcomeResolved, Pushed: res.Pushed}, nil

	case UseCloud:
		raw, err := e.getSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		remote, err := e.decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceWithSnapshot(ctx, remote); err != nil {
			return nil, err
		}
		e.recordSyncState(ctx, persistence.SyncKeyLastPullAt,
			remote.Metadata.Timestamp.Format(time.RFC3339Nano), remote.Metadata.DeviceID)
		e.log.Info("resolved conflict from remote", "remote_device", remote.Metadata.DeviceID)
		e.publish(bus.TopicSyncResolved, string(UseCloud), "")
		return &Result{Outcome: OutcomeResolved}, nil

	case Merge:
		raw, err := e.getSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		remote, err := e.decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		local, err := e.store.BuildSnapshot(ctx, e.deviceID, e.deviceName)
		if err != nil {
			return nil, err
		}
		merged := mergeSnapshots(local, remote)
		if err := e.store.ReplaceWithSnapshot(ctx, merged); err != nil {
			return nil, err
		}

		// Both sides converge on the merged state.
		out, err := e.store.BuildSnapshot(ctx, e.deviceID, e.deviceName)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal merged snapshot: %w", err)
		}
		if err := e.putSnapshot(ctx, payload); err != nil {
			return nil, err
		}
		stamp := out.Metadata.Timestamp.Format(time.RFC3339Nano)
		e.recordSyncState(ctx, persistence.SyncKeyLastPushAt, stamp, e.deviceID)
		e.log.Info("resolved conflict by merge",
			"meetings", len(out.Meetings), "stakeholders", len(out.Stakeholders), "categories", len(out.Categories))
		e.publish(bus.TopicSyncResolved, string(Merge), "")
		return &Result{Outcome: OutcomeResolved}, nil
	}
	return nil, fmt.Errorf("unknown resolution %q", resolution)
}

func (e *Engine) decodeSnapshot(raw []byte) (*persistence.Snapshot, error) {
	if err := e.validator.Validate(raw); err != nil {
		return nil, err
	}
	var snap persistence.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (e *Engine) recordSyncState(ctx context.Context, atKey, remoteStamp, remoteDevice string) {
	now := e.clock.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range map[string]string{
		atKey:                               now,
		persistence.SyncKeyLastRemoteStamp:  remoteStamp,
		persistence.SyncKeyLastRemoteDevice: remoteDevice,
	} {
		if err := e.store.SetSyncState(ctx, key, value); err != nil {
			e.log.Error("record sync state", "key", key, "error", err)
		}
	}
}

func (e *Engine) publish(topic, outcome, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.SyncResultEvent{
		Backend:  e.backend.Name(),
		DeviceID: e.deviceID,
		Outcome:  outcome,
		Detail:   detail,
	})
}
