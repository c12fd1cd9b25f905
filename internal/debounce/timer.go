package debounce

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer that holds at most one armed callback. Arming
// always cancels whatever was armed before, so a superseded callback can never run, even
// if its underlying time.Timer already expired and is waiting on the lock.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// Arm schedules fn after d, replacing any armed callback.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
	gen := t.gen
	t.armed = true
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		fn()
		t.mu.Lock()
		if gen == t.gen {
			t.armed = false
			t.t = nil
		}
		t.mu.Unlock()
	})
}

// Cancel disarms the timer and reports whether a callback was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.armed
	t.stopLocked()
	t.gen++
	return was
}

// Armed reports whether a callback is scheduled or still running.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) stopLocked() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.armed = false
}
