package corosio

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeReactor is a test double driven manually via fire(), letting op.go's
// completion-vs-cancel race be exercised deterministically without real
// file descriptors or a platform-specific backend.
type fakeReactor struct {
	mu            sync.Mutex
	entries       map[int]reactorAwaiter
	pending       []readyOp
	wake          chan struct{}
	registrations int
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{entries: make(map[int]reactorAwaiter), wake: make(chan struct{}, 1)}
}

func (r *fakeReactor) register(fd int, op reactorAwaiter, interest ioInterest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fd] = op
	r.registrations++
	return nil
}

func (r *fakeReactor) modify(fd int, interest ioInterest) error { return nil }

func (r *fakeReactor) deregister(fd int, interest ioInterest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fd)
	return nil
}

func (r *fakeReactor) wait(timeout time.Duration, out []readyOp) (int, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-r.wake:
		r.mu.Lock()
		n := copy(out, r.pending)
		r.pending = nil
		r.mu.Unlock()
		return n, nil
	case <-timer:
		return 0, nil
	}
}

func (r *fakeReactor) wakeup() error {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *fakeReactor) close() error { return nil }

// fire simulates the OS reporting fd ready for events, to be observed by
// the next wait() call.
func (r *fakeReactor) fire(fd int, events ioInterest) {
	r.mu.Lock()
	op, ok := r.entries[fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, readyOp{op: op, events: events})
	r.mu.Unlock()
	_ = r.wakeup()
}

func newFakeSchedulerAndReactor() (*Scheduler, *fakeReactor) {
	r := newFakeReactor()
	return newScheduler(r, nil, false), r
}

func TestStartAsyncEagerCompletionSkipsReactor(t *testing.T) {
	sched, r := newFakeSchedulerAndReactor()

	future := startAsync[int](sched, 9, interestRead, nil, nil,
		func() (int, error, bool) { return 5, nil, false },
		func() (int, error) { t.Fatal("finish must not run on the eager-completion path"); return 0, nil },
		nil, nil)

	if _, err := sched.RunOne(context.Background()); err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	v, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected 5, got %d", v)
	}
	if r.registrations != 0 {
		t.Fatalf("eager completion must not touch the reactor, registrations=%d", r.registrations)
	}
}

func TestStartAsyncWouldBlockThenReactorReady(t *testing.T) {
	sched, r := newFakeSchedulerAndReactor()

	const fd = 11
	future := startAsync[int](sched, fd, interestRead, nil, nil,
		func() (int, error, bool) { return 0, nil, true },
		func() (int, error) { return 42, nil },
		nil, nil)

	if r.registrations != 1 {
		t.Fatalf("expected one registration, got %d", r.registrations)
	}

	r.fire(fd, interestRead)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sched.RunOne(ctx); err != nil {
		t.Fatalf("RunOne (reactor wait): %v", err)
	}
	if _, err := sched.RunOne(ctx); err != nil {
		t.Fatalf("RunOne (completion dispatch): %v", err)
	}

	v, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42 from finish, got %d", v)
	}
}

func TestStartAsyncCancelBeforeReadyWins(t *testing.T) {
	sched, r := newFakeSchedulerAndReactor()
	source, sig := NewCancelSignal()

	const fd = 13
	future := startAsync[int](sched, fd, interestRead, sig, nil,
		func() (int, error, bool) { return 0, nil, true },
		func() (int, error) { t.Fatal("finish must not run once cancel wins the race"); return 0, nil },
		nil, nil)

	source.Cancel()
	// A late fire must be ignored: the op deregistered itself as part of
	// cancellation, so fakeReactor.fire finds no entry for fd.
	r.fire(fd, interestRead)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sched.RunOne(ctx); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	_, err := future.Await(context.Background())
	if err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestStartAsyncKeepaliveReleasedExactlyOnce(t *testing.T) {
	sched, r := newFakeSchedulerAndReactor()

	var released int
	const fd = 17
	future := startAsync[int](sched, fd, interestWrite, nil, func() { released++ },
		func() (int, error, bool) { return 0, nil, true },
		func() (int, error) { return 1, nil },
		nil, nil)

	r.fire(fd, interestWrite)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sched.RunOne(ctx); err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if _, err := sched.RunOne(ctx); err != nil {
		t.Fatalf("RunOne: %v", err)
	}

	if _, err := future.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected keepaliveRelease to run exactly once, ran %d times", released)
	}
}

// TestAsyncOpDiscardsValueWhenCancelRacesCompletion exercises the
// completion path's canceled-error override together with the Acceptor
// requirement that an already-accepted descriptor is closed rather than
// silently dropped: the reactor can win the
// registration-state race and produce a real value via finish just as a
// concurrent cancel sets the cancelled flag too late to claim the op
// itself. execute must still report ErrCanceled, and must hand the
// already-produced value to discardValue instead of leaking it.
func TestAsyncOpDiscardsValueWhenCancelRacesCompletion(t *testing.T) {
	sched, _ := newFakeSchedulerAndReactor()

	var discarded int
	op := &asyncOp[int]{
		sched:        sched,
		future:       NewFuture[int](),
		finish:       func() (int, error) { return 7, nil },
		discardValue: func(v int) { discarded = v },
	}
	op.state.Store(uint32(regRegistered))

	op.onReactorReady(interestRead)
	// The cancel arrives after the reactor has already claimed the op
	// (its own state swap is a no-op at this point), so it can only set
	// the flag for execute to observe.
	op.cancelled.Store(true)
	op.execute()

	if discarded != 7 {
		t.Fatalf("expected discardValue to receive the produced value 7, got %d", discarded)
	}
	v, err := op.future.Await(context.Background())
	if err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v (value %d)", err, v)
	}
}
