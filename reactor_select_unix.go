//go:build linux || darwin

package corosio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectMaxFD is the descriptor-set maximum the portable reactor is
// bounded by: the classic select(2) fd_set has room for FD_SETSIZE
// descriptors, and an attempt to register one above that
// limit fails at call time rather than silently truncating the set.
const selectMaxFD = unix.FD_SETSIZE

// selectReactor is the portable level-triggered variant: it maintains
// its own read/write interest sets and rebuilds them into a
// select(2) call every wait, rather than relying on a platform-specific
// edge-triggered kernel primitive. Built on Linux and Darwin, so a test
// that wants to exercise this code path explicitly can opt in via
// WithPortableReactor; it is bounded by selectMaxFD.
type selectReactor struct {
	mu      sync.Mutex
	entries map[int]*fdEntry
	maxFD   int

	wakeRead, wakeWrite int
}

func newPortableReactor() (reactor, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}
	r := &selectReactor{
		entries:   make(map[int]*fdEntry),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
		maxFD:     fds[0],
	}
	if fds[1] > r.maxFD {
		r.maxFD = fds[1]
	}
	return r, nil
}

func (r *selectReactor) register(fd int, op reactorAwaiter, interest ioInterest) error {
	if fd >= selectMaxFD {
		return ErrFDTooLarge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[fd]
	if !exists {
		e = &fdEntry{}
		r.entries[fd] = e
	}
	if interest&interestRead != 0 {
		e.read = op
	}
	if interest&interestWrite != 0 {
		e.write = op
	}
	if fd > r.maxFD {
		r.maxFD = fd
	}
	return nil
}

func (r *selectReactor) modify(fd int, interest ioInterest) error {
	return r.register(fd, nil, interest)
}

func (r *selectReactor) deregister(fd int, interest ioInterest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[fd]
	if !exists {
		return nil
	}
	if interest&interestRead != 0 {
		e.read = nil
	}
	if interest&interestWrite != 0 {
		e.write = nil
	}
	if e.read == nil && e.write == nil {
		delete(r.entries, fd)
	}
	return nil
}

func (r *selectReactor) wait(timeout time.Duration, out []readyOp) (int, error) {
	r.mu.Lock()
	var readSet, writeSet unix.FdSet
	maxFD := r.maxFD
	addFD(&readSet, r.wakeRead)
	type watchedFD struct {
		fd          int
		read, write reactorAwaiter
	}
	var watched []watchedFD
	for fd, e := range r.entries {
		k := watchedFD{fd: fd}
		if e.read != nil {
			addFD(&readSet, fd)
			k.read = e.read
		}
		if e.write != nil {
			addFD(&writeSet, fd)
			k.write = e.write
		}
		if k.read != nil || k.write != nil {
			watched = append(watched, k)
		}
	}
	r.mu.Unlock()

	var ts *unix.Timeval
	if timeout >= 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		ts = &tv
	}

	n, err := unix.Select(maxFD+1, &readSet, &writeSet, nil, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if fdIsSet(&readSet, r.wakeRead) {
		r.drainWake()
	}

	count := 0
	for _, k := range watched {
		if count >= len(out) {
			break
		}
		if k.read != nil && fdIsSet(&readSet, k.fd) {
			out[count] = readyOp{op: k.read, events: interestRead}
			count++
		}
		if count < len(out) && k.write != nil && fdIsSet(&writeSet, k.fd) {
			out[count] = readyOp{op: k.write, events: interestWrite}
			count++
		}
	}
	return count, nil
}

func (r *selectReactor) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeRead, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *selectReactor) wakeup() error {
	_, err := unix.Write(r.wakeWrite, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (r *selectReactor) close() error {
	_ = unix.Close(r.wakeRead)
	_ = unix.Close(r.wakeWrite)
	return nil
}

// addFD and fdIsSet manipulate the platform's fd_set bit layout; see
// reactor_select_bits_linux.go / reactor_select_bits_darwin.go, since
// unix.FdSet.Bits has a different word size per GOOS.
