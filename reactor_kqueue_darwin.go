//go:build darwin

package corosio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueReactor is the edge-triggered readiness variant for Darwin: one
// kqueue instance, one EVFILT_READ/EVFILT_WRITE filter
// registered per (descriptor, interest), edge-triggered via EV_CLEAR, plus
// a self-pipe wakeup mechanism (kqueue has no portable "wake another
// thread's kevent call" primitive short of a user event).
type kqueueReactor struct {
	kq int

	mu      sync.Mutex
	entries map[int]*fdEntry

	wakeRead, wakeWrite int

	events [256]unix.Kevent_t
}

func newPlatformReactor() (reactor, error) {
	return newKqueueReactor()
}

func newKqueueReactor() (*kqueueReactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}
	r := &kqueueReactor{
		kq:        kq,
		entries:   make(map[int]*fdEntry),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}
	ev := unix.Kevent_t{}
	unix.SetKevent(&ev, r.wakeRead, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
		return nil, err
	}
	return r, nil
}

func (r *kqueueReactor) changeFilter(fd int, filter int16, add bool) error {
	flags := uint16(unix.EV_CLEAR)
	if add {
		flags |= unix.EV_ADD
	} else {
		flags |= unix.EV_DELETE
	}
	ev := unix.Kevent_t{}
	unix.SetKevent(&ev, fd, int(filter), int(flags))
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil)
	if !add && err == unix.ENOENT {
		return nil
	}
	return err
}

func (r *kqueueReactor) register(fd int, op reactorAwaiter, interest ioInterest) error {
	r.mu.Lock()
	e, exists := r.entries[fd]
	if !exists {
		e = &fdEntry{}
		r.entries[fd] = e
	}
	wasRead, wasWrite := e.read != nil, e.write != nil
	if interest&interestRead != 0 {
		e.read = op
	}
	if interest&interestWrite != 0 {
		e.write = op
	}
	r.mu.Unlock()

	if interest&interestRead != 0 && !wasRead {
		if err := r.changeFilter(fd, unix.EVFILT_READ, true); err != nil {
			return err
		}
	}
	if interest&interestWrite != 0 && !wasWrite {
		if err := r.changeFilter(fd, unix.EVFILT_WRITE, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *kqueueReactor) modify(fd int, interest ioInterest) error {
	return r.register(fd, nil, interest)
}

func (r *kqueueReactor) deregister(fd int, interest ioInterest) error {
	r.mu.Lock()
	e, exists := r.entries[fd]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	hadRead, hadWrite := e.read != nil, e.write != nil
	if interest&interestRead != 0 {
		e.read = nil
	}
	if interest&interestWrite != 0 {
		e.write = nil
	}
	empty := e.read == nil && e.write == nil
	if empty {
		delete(r.entries, fd)
	}
	r.mu.Unlock()

	var agg aggregator
	if interest&interestRead != 0 && hadRead {
		agg.add(r.changeFilter(fd, unix.EVFILT_READ, false))
	}
	if interest&interestWrite != 0 && hadWrite {
		agg.add(r.changeFilter(fd, unix.EVFILT_WRITE, false))
	}
	return agg.result()
}

func (r *kqueueReactor) wait(timeout time.Duration, out []readyOp) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(r.kq, nil, r.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n && count < len(out); i++ {
		kev := r.events[i]
		fd := int(kev.Ident)
		if fd == r.wakeRead {
			r.drainWake()
			continue
		}
		var reader, writer reactorAwaiter
		r.mu.Lock()
		if e := r.entries[fd]; e != nil {
			reader, writer = e.read, e.write
		}
		r.mu.Unlock()
		switch int16(kev.Filter) {
		case unix.EVFILT_READ:
			if reader != nil {
				out[count] = readyOp{op: reader, events: interestRead}
				count++
			}
		case unix.EVFILT_WRITE:
			if writer != nil {
				out[count] = readyOp{op: writer, events: interestWrite}
				count++
			}
		}
	}
	return count, nil
}

func (r *kqueueReactor) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeRead, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *kqueueReactor) wakeup() error {
	_, err := unix.Write(r.wakeWrite, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (r *kqueueReactor) close() error {
	_ = unix.Close(r.wakeRead)
	_ = unix.Close(r.wakeWrite)
	return unix.Close(r.kq)
}
