package corosio

import "sync/atomic"

// regState is the three-valued atomic that arbitrates ownership of a
// single op's completion between the reactor, cancellation, and the
// initiating I/O method itself.
type regState uint32

const (
	regUnregistered regState = iota
	regRegistering
	regRegistered
)

// asyncOp is the per-operation state machine shared by every async I/O
// method (connect, accept, read, write); Timer and SignalSet resolve their
// futures without it. startAsync allocates a fresh instance for every
// operation, so an instance is never reused across operations; the
// invariant that at most one
// operation of a given kind is in flight per object is the caller's
// (the I/O object's) responsibility to uphold — concurrent misuse is a
// LogicError, not arbitrated here.
type asyncOp[R any] struct {
	workItemBase

	sched    *Scheduler
	fd       int
	interest ioInterest

	state     atomic.Uint32
	cancelled atomic.Bool

	future *Future[R]

	pendingValue R
	pendingErr   error

	keepaliveRelease func()
	cancelSignal     *CancelSignal
	// removeStop deregisters the stop-callback from cancelSignal. Atomic
	// because a signal that is already canceled runs requestCancel
	// synchronously inside OnCancel, so another thread can be executing
	// this op before startAsync has stored the removal function.
	removeStop   atomic.Pointer[func()]
	finish       func() (R, error)
	discardValue func(R)
	onSettle     func()
}

// trySyscall is the caller-supplied attempt at the actual operation. It
// returns the result value, an error, and whether the error means
// "would block" (in which case value/err are ignored and the op falls
// back to reactor registration).
type trySyscall[R any] func() (value R, err error, wouldBlock bool)

// startAsync runs the initiate-async transition. try is the
// eager attempt, made before registering with the reactor; finish is
// invoked once the reactor reports the descriptor ready, to perform the
// syscall that's now expected to succeed (e.g. the retried readv/writev,
// or getsockopt(SO_ERROR) for connect). It always returns a Future, and
// the future is always resolved by the scheduler: on the eager-completion
// path the op is posted to the completion queue before startAsync
// returns, and on the would-block path it is posted once the reactor (or
// a cancel) claims it.
//
// discardValue, if non-nil, disposes of a value that finish already
// produced by the time cancellation wins the race in execute (e.g. an
// Acceptor.Accept that completed with a live peer socket just as the
// caller canceled it): the already-accepted descriptor must be closed
// rather than silently dropped.
//
// onSettle, if non-nil, runs on the completion path immediately before
// the future resolves, whichever actor completed the op. I/O objects use
// it to release their per-kind in-flight slot synchronously, so a caller
// that awaited the result can start the next operation of the same kind
// without racing a separately-dispatched cleanup handler.
func startAsync[R any](sched *Scheduler, fd int, interest ioInterest, signal *CancelSignal, keepaliveRelease func(), try trySyscall[R], finish func() (R, error), discardValue func(R), onSettle func()) *Future[R] {
	op := &asyncOp[R]{
		sched:            sched,
		fd:               fd,
		interest:         interest,
		future:           NewFuture[R](),
		keepaliveRelease: keepaliveRelease,
		cancelSignal:     signal,
		finish:           finish,
		discardValue:     discardValue,
		onSettle:         onSettle,
	}

	value, err, wouldBlock := try()
	if !wouldBlock {
		op.pendingValue, op.pendingErr = value, err
		sched.OnWorkStarted()
		sched.postCompletion(op)
		return op.future
	}

	sched.OnWorkStarted()
	op.state.Store(uint32(regRegistering))

	if signal != nil {
		remove := signal.OnCancel(op.requestCancel)
		op.removeStop.Store(&remove)
	}

	if regErr := sched.reactorImpl.register(fd, op, interest); regErr != nil {
		sched.logger.Err().Int("fd", fd).Err(regErr).Log("reactor register failed")
		op.pendingErr = &OpError{Op: "register", FD: fd, Err: regErr}
		op.state.Store(uint32(regUnregistered))
		sched.postCompletion(op)
		return op.future
	}
	sched.logger.Debug().Int("fd", fd).Log("op registered with reactor")

	if !op.state.CompareAndSwap(uint32(regRegistering), uint32(regRegistered)) {
		// Cancellation (or, in principle, a spurious reactor hit) already
		// claimed the op during the registering window; unwind our
		// registration and let the claimer's own completion stand.
		_ = sched.reactorImpl.deregister(fd, interest)
		return op.future
	}

	if op.cancelled.Load() {
		if op.state.CompareAndSwap(uint32(regRegistered), uint32(regUnregistered)) {
			_ = sched.reactorImpl.deregister(fd, interest)
			op.pendingErr = ErrCanceled
			sched.postCompletion(op)
		}
	}

	return op.future
}

// onReactorReady implements the "reactor-observed completion" transition:
// only the caller that wins the exchange out of a non-unregistered state
// owns finishing the op.
func (op *asyncOp[R]) onReactorReady(events ioInterest) {
	prev := regState(op.state.Swap(uint32(regUnregistered)))
	if prev == regUnregistered {
		return
	}
	op.sched.logger.Trace().Int("fd", op.fd).Log("reactor observed op ready")
	_ = op.sched.reactorImpl.deregister(op.fd, op.interest)
	if op.finish != nil {
		op.pendingValue, op.pendingErr = op.finish()
	}
	op.sched.postCompletion(op)
}

func (op *asyncOp[R]) requestCancel() {
	op.cancelled.Store(true)
	prev := regState(op.state.Swap(uint32(regUnregistered)))
	if prev == regUnregistered {
		return
	}
	op.sched.logger.Debug().Int("fd", op.fd).Log("op canceled while in flight")
	_ = op.sched.reactorImpl.deregister(op.fd, op.interest)
	op.pendingErr = ErrCanceled
	op.sched.postCompletion(op)
}

// execute is the completion path: clear the stop-callback, apply the
// canceled-error override if cancelled won the race, release the
// impl-keepalive, and resolve the future.
func (op *asyncOp[R]) execute() {
	if remove := op.removeStop.Swap(nil); remove != nil {
		(*remove)()
	}
	if op.cancelled.Load() {
		if op.discardValue != nil && op.pendingErr == nil {
			op.discardValue(op.pendingValue)
			var zero R
			op.pendingValue = zero
		}
		op.pendingErr = ErrCanceled
	}
	if op.keepaliveRelease != nil {
		op.keepaliveRelease()
		op.keepaliveRelease = nil
	}
	if op.onSettle != nil {
		op.onSettle()
	}
	op.future.complete(Result[R]{Value: op.pendingValue, Err: op.pendingErr})
}

// discard runs instead of execute when the scheduler tears down with this
// op still queued: the caller still observes exactly one resume, with a
// canceled result.
func (op *asyncOp[R]) discard() {
	if remove := op.removeStop.Swap(nil); remove != nil {
		(*remove)()
	}
	if op.keepaliveRelease != nil {
		op.keepaliveRelease()
		op.keepaliveRelease = nil
	}
	if op.onSettle != nil {
		op.onSettle()
	}
	op.future.complete(Result[R]{Err: ErrCanceled})
}
