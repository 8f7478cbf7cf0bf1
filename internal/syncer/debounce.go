package syncer

import (
	"sync"
	"time"
)

// debouncer collapses bursts of triggers into a single action after a
// quiet period. Safe for concurrent triggers.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
}

func newDebouncer(duration time.Duration, action func()) *debouncer {
	return &debouncer{duration: duration, action: action}
}

// trigger (re)schedules the action after the quiet period. Repeated
// triggers reset the timer so the action fires once per burst.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	// The sequence number invalidates timers that already fired but
	// have not run yet.
	d.seq++
	current := d.seq

	d.timer = time.AfterFunc(d.duration, func() {
		d.mu.Lock()
		if d.seq != current {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		// Release before the callback so the action can trigger again.
		d.mu.Unlock()
		d.action()
	})
}

// cancel stops any pending action.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
