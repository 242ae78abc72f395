package corosio

import "sync/atomic"

// Executor is a lightweight value identifying where a continuation should
// resume. Copying an Executor never touches scheduler state; it's a
// reference to the Scheduler that does the actual work tracking.
type Executor struct {
	sched *Scheduler
}

// Scheduler returns the Scheduler this executor resumes work on.
func (e Executor) Scheduler() *Scheduler { return e.sched }

// Dispatch runs fn inline if the calling goroutine is currently driving
// this executor's scheduler (RunningInThisThread), giving symmetric
// transfer with no extra hop; otherwise it posts fn, exactly like Post.
func (e Executor) Dispatch(fn func()) {
	if e.sched.RunningInThisThread() {
		fn()
		return
	}
	e.Post(newFuncWorkItem(fn))
}

// Post enqueues a work item for execution by a thread driving the
// scheduler, incrementing outstanding-work for the duration it is queued.
func (e Executor) Post(item workItem) {
	e.sched.post(item)
}

// PostFunc is a convenience wrapper: Post(newFuncWorkItem(fn)).
func (e Executor) PostFunc(fn func()) {
	e.Post(newFuncWorkItem(fn))
}

// WorkGuard holds one unit of outstanding work on a scheduler, keeping its
// run loop from returning while operations are still being started from
// outside the loop (OnWorkStarted/OnWorkFinished as a value with RAII-ish
// ergonomics). Release is idempotent.
type WorkGuard struct {
	sched    *Scheduler
	released atomic.Bool
}

// NewWorkGuard marks work as started on exec's scheduler until Release.
func NewWorkGuard(exec Executor) *WorkGuard {
	exec.sched.OnWorkStarted()
	return &WorkGuard{sched: exec.sched}
}

// Release drops the guard's work unit; only the first call has an effect.
func (g *WorkGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.sched.OnWorkFinished()
	}
}
