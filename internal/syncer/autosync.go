package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/minder/internal/bus"
)

// AutoSync pushes automatically after local edits. Two timers shape the
// behavior: a settle period so a burst of edits becomes one push, and a
// minimum interval between pushes so a steady stream of edits cannot
// hammer the backend. It never pulls: pulls are always explicit.
type AutoSync struct {
	engine   *Engine
	bus      *bus.Bus
	log      *slog.Logger
	settle   time.Duration
	minEvery time.Duration

	debounce *debouncer
	sub      *bus.Subscription

	mu       sync.Mutex
	lastPush time.Time
	retry    *time.Timer
	stopped  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutoSync(engine *Engine, eventBus *bus.Bus, log *slog.Logger, settle, minInterval time.Duration) *AutoSync {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &AutoSync{
		engine:   engine,
		bus:      eventBus,
		log:      log,
		settle:   settle,
		minEvery: minInterval,
	}
}

// Start subscribes to store updates and begins pushing in the
// background. Stop must be called to release the subscription.
func (a *AutoSync) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Lock()
	a.stopped = false
	a.mu.Unlock()
	a.done = make(chan struct{})
	a.debounce = newDebouncer(a.settle, func() { a.push(ctx) })
	a.sub = a.bus.Subscribe(bus.TopicStoreUpdated)

	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-a.sub.Ch():
				if !ok {
					return
				}
				payload, ok := ev.Payload.(bus.StoreUpdatedEvent)
				if ok {
					switch payload.Reason {
					case "sync_apply", "replace", "evict_refetch", "purge":
						// Not user edits; nothing new to push.
						continue
					}
				}
				a.debounce.trigger()
			}
		}
	}()
	a.log.Info("auto sync started", "settle", a.settle, "min_interval", a.minEvery)
}

// Stop halts the background loop and any pending push, including a
// min-interval retrigger still waiting to fire.
func (a *AutoSync) Stop() {
	if a.cancel == nil {
		return
	}
	a.mu.Lock()
	a.stopped = true
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	a.mu.Unlock()

	a.debounce.cancel()
	a.cancel()
	a.bus.Unsubscribe(a.sub)
	<-a.done
	a.cancel = nil
}

func (a *AutoSync) push(ctx context.Context) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if wait := a.minEvery - time.Since(a.lastPush); wait > 0 {
		// Too soon after the previous push; try again once the
		// interval has passed.
		if a.retry != nil {
			a.retry.Stop()
		}
		a.retry = time.AfterFunc(wait, func() { a.debounce.trigger() })
		a.mu.Unlock()
		return
	}
	a.lastPush = time.Now()
	a.mu.Unlock()

	pushCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	res, err := a.engine.Push(pushCtx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		// A manual sync is running; it will carry the changes.
	case err != nil:
		a.log.Error("auto push failed", "error", err)
	case res.Outcome == OutcomePushed:
		a.log.Info("auto push completed", "changes", res.Pushed)
	}
}
