package corosio

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return newScheduler(mustPortableReactor(t), nil, false)
}

func TestSchedulerRunStopsWhenOutstandingReachesZero(t *testing.T) {
	sched := newTestScheduler(t)
	err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run with no work should return nil, got %v", err)
	}
	if !sched.Stopped() {
		t.Fatal("scheduler should report stopped once outstanding work hits zero")
	}
}

func TestSchedulerPostRunsPostedWork(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var ran bool
	exec.PostFunc(func() { ran = true })

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("posted work must run before the loop stops")
	}
}

func TestSchedulerRunOrdersPostedWorkFIFO(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		exec.PostFunc(func() { order = append(order, i) })
	}

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestSchedulerPollRunsOnlyReadyWorkWithoutBlocking(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var ran int
	exec.PostFunc(func() { ran++ })
	exec.PostFunc(func() { ran++ })

	n, err := sched.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 items run, got %d", n)
	}
	if ran != 2 {
		t.Fatalf("expected both to run, ran=%d", ran)
	}
}

func TestSchedulerStopPreventsFurtherWork(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var ran bool
	exec.PostFunc(func() { ran = true })
	sched.Stop()

	n, err := sched.RunOne(context.Background())
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if n != 0 {
		t.Fatalf("stopped scheduler must not run items, n=%d", n)
	}
	if ran {
		t.Fatal("posted work must not run once stopped")
	}
}

func TestSchedulerRestartAllowsFurtherRuns(t *testing.T) {
	sched := newTestScheduler(t)
	sched.Stop()
	if !sched.Stopped() {
		t.Fatal("expected stopped")
	}
	sched.Restart()
	if sched.Stopped() {
		t.Fatal("expected running after Restart")
	}

	exec := sched.Executor()
	var ran bool
	exec.PostFunc(func() { ran = true })
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("work posted after Restart must run")
	}
}

func TestSchedulerRunWaitsForTimerWithNoIOInFlight(t *testing.T) {
	// A timer alone keeps outstanding work above zero without needing any
	// reactor readiness, exercising the "blocks on timers with no I/O in
	// flight" path (regression test for the OnWorkStarted/OnWorkFinished
	// balance fixed in timer.go).
	sched := newTestScheduler(t)
	timer := NewTimer(sched)
	timer.ExpiresAfter(5 * time.Millisecond)
	future := timer.Wait(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	v, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = v
}

func TestSchedulerRunningInThisThread(t *testing.T) {
	sched := newTestScheduler(t)
	if sched.RunningInThisThread() {
		t.Fatal("must not report running before any run method is entered")
	}

	exec := sched.Executor()
	var sawRunning bool
	exec.PostFunc(func() {
		sawRunning = sched.RunningInThisThread()
	})
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawRunning {
		t.Fatal("a work item running inside the loop should observe RunningInThisThread() == true")
	}
	if sched.RunningInThisThread() {
		t.Fatal("must not report running after the loop has returned")
	}
}

func TestExecutorDispatchRunsInlineWhenOnScheduler(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var inlineRan bool
	exec.PostFunc(func() {
		// Dispatch from inside a running item must run fn inline, not
		// post a new work item (RunningInThisThread is true here).
		exec.Dispatch(func() { inlineRan = true })
	})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !inlineRan {
		t.Fatal("Dispatch should have run fn inline")
	}
}

func TestExecutorDispatchPostsWhenOffScheduler(t *testing.T) {
	sched := newTestScheduler(t)
	exec := sched.Executor()

	var ran bool
	exec.Dispatch(func() { ran = true })
	if ran {
		t.Fatal("Dispatch called off-scheduler must not run inline")
	}

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("Dispatch's posted fn must eventually run")
	}
}

func TestSchedulerRunSurvivesEventlessWakeups(t *testing.T) {
	// Regression test: a reactor wait that returns with nothing to do (a
	// spurious wakeup, an interrupted syscall) must loop back around, not
	// be mistaken for loop exhaustion while work is still outstanding.
	sched := newTestScheduler(t)
	guard := NewWorkGuard(sched.Executor())

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				sched.wakeupReactor()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var ran bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		sched.Executor().PostFunc(func() { ran = true })
		guard.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sched.Run(ctx)
	close(stop)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("Run returned before the delayed post was executed")
	}
}

func TestWorkGuardKeepsRunAlive(t *testing.T) {
	sched := newTestScheduler(t)
	guard := NewWorkGuard(sched.Executor())

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Run returned while a WorkGuard was still held")
	case <-time.After(30 * time.Millisecond):
	}

	guard.Release()
	guard.Release() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the guard was released")
	}
}

func TestSchedulerWaitOneZeroNeverBlocks(t *testing.T) {
	sched := newTestScheduler(t)
	guard := NewWorkGuard(sched.Executor())
	defer guard.Release()

	start := time.Now()
	n, err := sched.WaitOne(context.Background(), 0)
	if err != nil {
		t.Fatalf("WaitOne: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to run, n=%d", n)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("WaitOne(0) blocked for %v", elapsed)
	}
}

func TestSchedulerStopWhileSleepingInReactorWait(t *testing.T) {
	// Stop must win against the loop's own sleeping/running phase
	// bookkeeping: a Stop that lands while the loop is blocked in the
	// reactor wait must terminate the loop, not be overwritten by the
	// post-wait phase store.
	sched := newTestScheduler(t)
	guard := NewWorkGuard(sched.Executor())
	defer guard.Release()

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	sched.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop while sleeping in the reactor wait")
	}
	if !sched.Stopped() {
		t.Fatal("scheduler must report stopped after Stop")
	}
}
