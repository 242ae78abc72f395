package corosio

import "sync/atomic"

// schedulerPhase is the lifecycle state of a Scheduler.
type schedulerPhase uint32

const (
	phaseAwake schedulerPhase = iota
	phaseRunning
	phaseSleeping
	phaseStopped
)

func (p schedulerPhase) String() string {
	switch p {
	case phaseAwake:
		return "awake"
	case phaseRunning:
		return "running"
	case phaseSleeping:
		return "sleeping"
	case phaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// fastState is a lock-free lifecycle tracker used by Scheduler. Transitions
// between phaseRunning and phaseSleeping happen every time the loop blocks
// in the reactor's wait, so they go through a CAS; phaseStopped is entered
// with a plain Store and left only by Restart's plain Store of phaseAwake.
type fastState struct {
	v atomic.Uint32
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(phaseAwake))
	return s
}

func (s *fastState) load() schedulerPhase { return schedulerPhase(s.v.Load()) }

func (s *fastState) store(p schedulerPhase) { s.v.Store(uint32(p)) }

func (s *fastState) tryTransition(from, to schedulerPhase) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// storeUnlessStopped transitions to p unless the state is already
// phaseStopped, which is sticky: the run loop's sleeping/running
// bookkeeping around the reactor wait must never overwrite a concurrent
// Stop, or the stop request would be lost. Reports whether the store won.
func (s *fastState) storeUnlessStopped(p schedulerPhase) bool {
	for {
		cur := s.load()
		if cur == phaseStopped {
			return false
		}
		if s.v.CompareAndSwap(uint32(cur), uint32(p)) {
			return true
		}
	}
}

func (s *fastState) stopped() bool { return s.load() == phaseStopped }
