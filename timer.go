package chatsync

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot callback owned by the component that
// schedules it. Scheduling again replaces any pending callback, and a
// callback that lost a race with Stop or Schedule never runs.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	seq uint64
}

// Schedule runs fn after d, cancelling whatever was pending.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.seq++
	seq := t.seq
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if seq != t.seq {
			t.mu.Unlock()
			return
		}
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Stop cancels the pending callback. It reports whether one was pending.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	return true
}

// Pending reports whether a callback is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}
