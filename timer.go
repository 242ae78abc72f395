package corosio

import (
	"sync"
	"time"
)

// Timer is a deadline awaitable. ExpiresAt tracks the current
// deadline; Wait returns a fresh Future each call, completing with success
// at the deadline or ErrCanceled on an earlier Cancel/CancelSignal trigger.
type Timer struct {
	sched *Scheduler

	mu         sync.Mutex
	expires    time.Time
	entry      *timerEntry
	future     *Future[struct{}]
	removeStop func()
}

// NewTimer creates a Timer with no deadline set; call ExpiresAfter or
// ExpiresAt before Wait.
func NewTimer(sched *Scheduler) *Timer {
	return &Timer{sched: sched}
}

// ExpiresAfter sets the deadline to d from now, canceling any pending Wait
// the way Cancel would (its Future resolves with ErrCanceled). No new heap
// entry is scheduled here; the new deadline enters the timer heap on the
// next Wait, which wakes the reactor if it becomes the earliest pending
// one.
func (t *Timer) ExpiresAfter(d time.Duration) {
	t.ExpiresAt(time.Now().Add(d))
}

// ExpiresAt sets an absolute deadline.
func (t *Timer) ExpiresAt(deadline time.Time) {
	t.mu.Lock()
	t.expires = deadline
	t.cancelPendingLocked()
	t.mu.Unlock()
}

// Wait returns an awaitable that completes at the current deadline. A
// deadline already in the past completes on the next run-loop iteration,
// since scheduling still goes through the timer heap rather than
// resolving inline.
func (t *Timer) Wait(signal *CancelSignal) *Future[struct{}] {
	t.mu.Lock()
	t.cancelPendingLocked()

	future := NewFuture[struct{}]()
	t.future = future
	deadline := t.expires
	t.sched.OnWorkStarted()
	entry := t.sched.timers.schedule(deadline, func() {
		// Claim the pending wait under the lock: a Cancel/ExpiresAt racing
		// this fire (the heap entry was popped before the cancel marked it)
		// may already have resolved the future and returned the work unit.
		t.mu.Lock()
		if t.entry == nil || future != t.future {
			t.mu.Unlock()
			return
		}
		remove := t.removeStop
		t.entry = nil
		t.future = nil
		t.removeStop = nil
		t.mu.Unlock()
		if remove != nil {
			remove()
		}
		future.complete(Result[struct{}]{})
		t.sched.OnWorkFinished()
	})
	t.entry = entry
	t.mu.Unlock()

	// Registered outside the lock: an already-canceled signal runs the
	// stop-callback synchronously, and the callback takes t.mu itself.
	if signal != nil {
		remove := signal.OnCancel(func() {
			t.mu.Lock()
			if t.entry == entry && future == t.future {
				t.sched.timers.cancel(entry)
				t.entry = nil
				t.future = nil
				t.removeStop = nil
				t.mu.Unlock()
				future.complete(Result[struct{}]{Err: ErrCanceled})
				t.sched.OnWorkFinished()
				return
			}
			t.mu.Unlock()
		})
		t.mu.Lock()
		if t.entry == entry && t.future == future {
			t.removeStop = remove
			t.mu.Unlock()
		} else {
			// Fired or canceled before the stop-callback landed.
			t.mu.Unlock()
			remove()
		}
	}

	return future
}

// Cancel cancels a pending Wait; its Future resolves with ErrCanceled.
// The timer remains usable for a new Wait.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelPendingLocked()
}

func (t *Timer) cancelPendingLocked() {
	if t.entry == nil {
		return
	}
	t.sched.timers.cancel(t.entry)
	future := t.future
	remove := t.removeStop
	t.entry = nil
	t.future = nil
	t.removeStop = nil
	if remove != nil {
		remove()
	}
	if future != nil {
		future.complete(Result[struct{}]{Err: ErrCanceled})
		t.sched.OnWorkFinished()
	}
}
