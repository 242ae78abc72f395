package corosio

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one scheduled expiration. fire is invoked by the scheduler
// loop once the entry's deadline has passed and it hasn't been canceled.
type timerEntry struct {
	deadline time.Time
	seq      uint64
	index    int
	fire     func()
	canceled bool
}

// timerPQ is a container/heap.Interface min-heap ordered by deadline, with
// seq as a tiebreaker so entries scheduled for the same instant fire in
// scheduling order.
type timerPQ []*timerEntry

func (h timerPQ) Len() int { return len(h) }

func (h timerPQ) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerPQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerPQ) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerPQ) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerService is the timer heap shared by every reactor variant: a
// min-heap keyed by monotonic deadline,
// with a change-notification callback into the scheduler so that adding an
// earlier deadline wakes a concurrent reactor wait.
type timerService struct {
	mu    sync.Mutex
	pq    timerPQ
	seq   uint64
	sched *Scheduler
}

func newTimerService(sched *Scheduler) *timerService {
	return &timerService{sched: sched}
}

// schedule adds a new expiration at deadline. If it becomes the earliest
// pending entry, the reactor is woken so it recomputes its effective
// timeout on the next iteration.
func (t *timerService) schedule(deadline time.Time, fire func()) *timerEntry {
	t.mu.Lock()
	e := &timerEntry{deadline: deadline, seq: t.seq, fire: fire}
	t.seq++
	heap.Push(&t.pq, e)
	becameEarliest := e.index == 0
	t.mu.Unlock()
	if becameEarliest {
		t.sched.wakeupReactor()
	}
	return e
}

// cancel marks e as canceled. If e is still in the heap it's removed
// immediately rather than left for lazy skip, since a long-lived timer
// object that's Reset often would otherwise accumulate dead entries.
func (t *timerService) cancel(e *timerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.canceled = true
	if e.index >= 0 && e.index < len(t.pq) && t.pq[e.index] == e {
		heap.Remove(&t.pq, e.index)
	}
}

// nextDeadline returns the earliest pending, non-canceled deadline.
func (t *timerService) nextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pq) == 0 {
		return time.Time{}, false
	}
	return t.pq[0].deadline, true
}

// firedBefore pops and returns the fire callbacks of every entry whose
// deadline is at or before now, in deadline order.
func (t *timerService) firedBefore(now time.Time) []func() {
	t.mu.Lock()
	var fired []func()
	for len(t.pq) > 0 && !t.pq[0].deadline.After(now) {
		e := heap.Pop(&t.pq).(*timerEntry)
		if !e.canceled {
			fired = append(fired, e.fire)
		}
	}
	t.mu.Unlock()
	return fired
}
