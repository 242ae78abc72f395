//go:build linux

package corosio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor is the edge-triggered readiness variant for Linux: one
// epoll instance, one registration per (descriptor, interest)
// using edge-triggered semantics, plus an always-registered eventfd used
// as the wakeup mechanism. The kernel reports a descriptor once per
// edge; the scheduler loop performs the actual syscall via the op's
// finish/try callbacks, never the reactor itself.
type epollReactor struct {
	epfd int

	mu      sync.Mutex
	entries map[int]*fdEntry

	wakeFD int // eventfd, always registered for read interest

	events [256]unix.EpollEvent
}

func newPlatformReactor() (reactor, error) {
	return newEpollReactor()
}

func newEpollReactor() (*epollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	r := &epollReactor{
		epfd:    epfd,
		entries: make(map[int]*fdEntry),
		wakeFD:  wakeFD,
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

func interestToEpoll(interest ioInterest) uint32 {
	var e uint32 = unix.EPOLLET
	if interest&interestRead != 0 {
		e |= unix.EPOLLIN
	}
	if interest&interestWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *epollReactor) register(fd int, op reactorAwaiter, interest ioInterest) error {
	r.mu.Lock()
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
	combined := combinedInterest(e)
	r.mu.Unlock()

	ev := &unix.EpollEvent{Events: interestToEpoll(combined), Fd: int32(fd)}
	op2 := unix.EPOLL_CTL_MOD
	if !exists {
		op2 = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(r.epfd, op2, fd, ev)
}

func (r *epollReactor) modify(fd int, interest ioInterest) error {
	r.mu.Lock()
	_, exists := r.entries[fd]
	r.mu.Unlock()
	if !exists {
		return nil
	}
	ev := &unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (r *epollReactor) deregister(fd int, interest ioInterest) error {
	r.mu.Lock()
	e, exists := r.entries[fd]
	if !exists {
		r.mu.Unlock()
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
		r.mu.Unlock()
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	combined := combinedInterest(e)
	r.mu.Unlock()
	ev := &unix.EpollEvent{Events: interestToEpoll(combined), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func combinedInterest(e *fdEntry) ioInterest {
	var i ioInterest
	if e.read != nil {
		i |= interestRead
	}
	if e.write != nil {
		i |= interestWrite
	}
	return i
}

func (r *epollReactor) wait(timeout time.Duration, out []readyOp) (int, error) {
	msec := durationToEpollMillis(timeout)
	n, err := unix.EpollWait(r.epfd, r.events[:], msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n && count < len(out); i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		if fd == r.wakeFD {
			r.drainWake()
			continue
		}

		var reader, writer reactorAwaiter
		r.mu.Lock()
		if e := r.entries[fd]; e != nil {
			reader, writer = e.read, e.write
		}
		r.mu.Unlock()

		errored := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		if (ev.Events&unix.EPOLLIN != 0 || errored) && reader != nil {
			out[count] = readyOp{op: reader, events: interestRead}
			count++
		}
		if count < len(out) && (ev.Events&unix.EPOLLOUT != 0 || errored) && writer != nil {
			out[count] = readyOp{op: writer, events: interestWrite}
			count++
		}
	}
	return count, nil
}

func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *epollReactor) wakeup() error {
	var one [8]byte
	one[7] = 1
	_, err := unix.Write(r.wakeFD, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (r *epollReactor) close() error {
	_ = unix.Close(r.wakeFD)
	return unix.Close(r.epfd)
}

func durationToEpollMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)>>1) {
		return int(^uint32(0) >> 1)
	}
	return int(ms)
}
