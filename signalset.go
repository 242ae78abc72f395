package corosio

import (
	"os"
	"os/signal"
	"sync"
)

// signalRegistry is the process-wide singleton behind every SignalSet: a
// single os/signal channel shared by the whole process, a reference count
// per signal number (so the Nth SignalSet to register SIGINT doesn't
// disturb the first N-1), and the cross-context per-signal list of waiters
// the dispatcher goroutine walks under one global mutex to fan a delivery
// out to every interested SignalSet.
type signalRegistry struct {
	mu      sync.Mutex
	refs    map[os.Signal]int
	flags   map[os.Signal]SignalFlags
	waiters map[os.Signal][]*SignalSet
	ch      chan os.Signal
	started bool
}

var globalSignals = &signalRegistry{
	refs:    make(map[os.Signal]int),
	flags:   make(map[os.Signal]SignalFlags),
	waiters: make(map[os.Signal][]*SignalSet),
}

// SignalFlags carries the disposition a SignalSet requests for a signal
// number, so two independently-constructed SignalSets racing to register
// the same signal can detect disagreement instead of one silently
// clobbering the other's intended disposition. SignalFlagDontCare never
// conflicts with anything.
type SignalFlags uint32

const (
	// SignalFlagDontCare registers without asserting any disposition;
	// it is compatible with any flags another registrant already set,
	// and never overwrites flags already on record for that signal.
	SignalFlagDontCare SignalFlags = 0
	// SignalFlagRestart requests SA_RESTART-equivalent semantics: a
	// handler invocation should not be treated as interrupting a
	// blocking syscall the application cares about. Go's os/signal
	// always restarts, but the flag still participates in the
	// cross-registrant agreement check.
	SignalFlagRestart SignalFlags = 1 << 0
	// SignalFlagNoDefer requests the signal remain deliverable while
	// already being handled, rather than being blocked for the
	// duration of the handler.
	SignalFlagNoDefer SignalFlags = 1 << 1
)

func (r *signalRegistry) ensureDispatcher() {
	if r.started {
		return
	}
	r.ch = make(chan os.Signal, 16)
	r.started = true
	go r.dispatch()
}

func (r *signalRegistry) dispatch() {
	for sig := range r.ch {
		r.mu.Lock()
		sets := append([]*SignalSet(nil), r.waiters[sig]...)
		r.mu.Unlock()
		for _, s := range sets {
			s.deliver(sig)
		}
	}
}

// register adds s as a waiter for each of sigs, enforcing the flag
// compatibility rule first: if any signal is already on record with
// non-don't-care flags that differ from the ones requested here (and the
// request itself isn't don't-care), the whole registration is rejected and
// nothing is added — a SignalSet either registers all of its signals or
// none of them.
func (r *signalRegistry) register(s *SignalSet, sigs []os.Signal, flags SignalFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if flags != SignalFlagDontCare {
		for _, sig := range sigs {
			if existing, ok := r.flags[sig]; ok && existing != SignalFlagDontCare && existing != flags {
				return ErrIncompatibleSignalFlags
			}
		}
	}

	r.ensureDispatcher()
	for _, sig := range sigs {
		r.waiters[sig] = append(r.waiters[sig], s)
		r.refs[sig]++
		if flags != SignalFlagDontCare {
			r.flags[sig] = flags
		}
		if r.refs[sig] == 1 {
			signal.Notify(r.ch, sig)
		}
	}
	return nil
}

func (r *signalRegistry) unregister(s *SignalSet, sigs []os.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sig := range sigs {
		list := r.waiters[sig]
		for i, w := range list {
			if w == s {
				r.waiters[sig] = append(list[:i], list[i+1:]...)
				break
			}
		}
		r.refs[sig]--
		if r.refs[sig] <= 0 {
			delete(r.refs, sig)
			delete(r.flags, sig)
			signal.Stop(r.ch)
			for remaining := range r.refs {
				signal.Notify(r.ch, remaining)
			}
		}
	}
}

// SignalSet registers interest in one or more process signals and
// delivers them through an async Wait. A delivery that
// arrives with no waiter pending is held as "undelivered" for the next
// Wait call.
type SignalSet struct {
	sched *Scheduler

	mu           sync.Mutex
	signals      []os.Signal
	flags        SignalFlags
	undelivered  []os.Signal
	waiter       *Future[os.Signal]
	waiterRemove func()
	closed       bool
}

// NewSignalSet registers interest in sigs, installing the process-wide
// handler on first registration of each distinct signal number. It
// registers with SignalFlagDontCare, so it never conflicts with another
// SignalSet's disposition for the same signal; use NewSignalSetFlags to
// assert a disposition and have conflicts reported.
func NewSignalSet(sched *Scheduler, sigs ...os.Signal) *SignalSet {
	s, err := newSignalSet(sched, SignalFlagDontCare, sigs)
	if err != nil {
		// SignalFlagDontCare never fails the compatibility check.
		panic(err)
	}
	return s
}

// NewSignalSetFlags registers interest in sigs with the given disposition
// flags, reporting ErrIncompatibleSignalFlags if another already-registered
// SignalSet asserted different, non-don't-care flags for one of the same
// signals.
func NewSignalSetFlags(sched *Scheduler, flags SignalFlags, sigs ...os.Signal) (*SignalSet, error) {
	return newSignalSet(sched, flags, sigs)
}

func newSignalSet(sched *Scheduler, flags SignalFlags, sigs []os.Signal) (*SignalSet, error) {
	s := &SignalSet{sched: sched, signals: append([]os.Signal(nil), sigs...), flags: flags}
	if err := globalSignals.register(s, s.signals, flags); err != nil {
		sched.logger.Err().Int("count", len(sigs)).Err(err).Log("signal set registration rejected")
		return nil, err
	}
	sched.logger.Debug().Int("count", len(sigs)).Log("signal set registered")
	return s, nil
}

// deliver is invoked by the dispatcher goroutine on the signal-handling
// thread; it never assumes it is driving this SignalSet's scheduler.
func (s *SignalSet) deliver(sig os.Signal) {
	s.sched.logger.Debug().Str("signal", sig.String()).Log("signal delivered")
	s.mu.Lock()
	if s.waiter != nil {
		waiter := s.waiter
		remove := s.waiterRemove
		s.waiter = nil
		s.waiterRemove = nil
		s.mu.Unlock()
		if remove != nil {
			remove()
		}
		waiter.complete(Result[os.Signal]{Value: sig})
		return
	}
	s.undelivered = append(s.undelivered, sig)
	s.mu.Unlock()
}

// Wait returns the next delivered signal, either immediately (if one was
// already undelivered) or once the process-wide handler next delivers
// one of this set's signals.
func (s *SignalSet) Wait(cancelSignal *CancelSignal) *Future[os.Signal] {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Completed(Result[os.Signal]{Err: ErrClosed})
	}
	if len(s.undelivered) > 0 {
		sig := s.undelivered[0]
		s.undelivered = s.undelivered[1:]
		s.mu.Unlock()
		return Completed(Result[os.Signal]{Value: sig})
	}
	future := NewFuture[os.Signal]()
	s.waiter = future
	s.mu.Unlock()

	if cancelSignal != nil {
		remove := cancelSignal.OnCancel(func() {
			s.mu.Lock()
			if s.waiter == future {
				s.waiter = nil
				s.waiterRemove = nil
				s.mu.Unlock()
				future.complete(Result[os.Signal]{Err: ErrCanceled})
				return
			}
			s.mu.Unlock()
		})
		s.mu.Lock()
		if s.waiter == future {
			s.waiterRemove = remove
		} else {
			// The waiter was already fulfilled or canceled while the
			// stop-callback was being registered; detach it now.
			s.mu.Unlock()
			remove()
			return future
		}
		s.mu.Unlock()
	}
	return future
}

// Close deregisters this set, restoring the process-wide handler for each
// signal to its state before this set registered. Any waiter still
// pending resolves with ErrCanceled.
func (s *SignalSet) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	waiter := s.waiter
	remove := s.waiterRemove
	s.waiter = nil
	s.waiterRemove = nil
	s.mu.Unlock()
	if remove != nil {
		remove()
	}

	s.sched.logger.Debug().Int("count", len(s.signals)).Log("signal set closed")
	globalSignals.unregister(s, s.signals)
	if waiter != nil {
		waiter.complete(Result[os.Signal]{Err: ErrCanceled})
	}
	return nil
}
