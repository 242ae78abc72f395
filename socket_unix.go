//go:build linux || darwin

package corosio

import (
	"context"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket is the per-descriptor TCP stream object: open (constructed
// through a service), close, connect, read_some, write_some, shutdown,
// cancel. It holds one fixed op slot per operation kind — starting a
// second operation of the same kind while one is in flight is a
// LogicError, not arbitrated by the per-op state machine.
type Socket struct {
	sched *Scheduler
	ref   *implRef[int]

	mu            sync.Mutex
	connectBusy   bool
	connectCancel *CancelSource
	readBusy      bool
	readCancel    *CancelSource
	writeBusy     bool
	writeCancel   *CancelSource
	localAddr     net.Addr
	remoteAddr    net.Addr
	closed        bool
}

// newSocketFromFD wraps an already-open, non-blocking descriptor. Used by
// Dialer-style construction and by Acceptor on a successful accept.
func newSocketFromFD(sched *Scheduler, fd int) *Socket {
	s := &Socket{sched: sched}
	s.ref = newImplRef(fd, func(fd int) error {
		return unix.Close(fd)
	})
	return s
}

// NewSocket opens a non-blocking IPv4 TCP socket bound to sched's reactor,
// not yet connected.
func NewSocket(sched *Scheduler) (*Socket, error) {
	fd, err := sysSocket(unix.AF_INET)
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}
	return newSocketFromFD(sched, fd), nil
}

// reserve claims the in-flight slot for one operation kind, returning the
// descriptor. The keepalive reference is acquired inside the same critical
// section that checks closed, so a concurrent Close cannot drop the last
// reference (and the descriptor) between the check and the acquire; the
// op's completion path releases it.
func (s *Socket) reserve(busy *bool, cancel **CancelSource, src *CancelSource, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if *busy {
		return 0, &LogicError{Message: kind + " already in flight"}
	}
	*busy = true
	*cancel = src
	s.ref.acquire()
	return s.ref.get(), nil
}

func (s *Socket) settle(busy *bool, cancel **CancelSource, unchain func()) func() {
	return func() {
		unchain()
		s.mu.Lock()
		*busy = false
		*cancel = nil
		s.mu.Unlock()
	}
}

// chainCancel creates the op's own CancelSource and links it from the
// caller-supplied signal (if any), so both Socket.Cancel/Close and the
// caller's own token route through the same per-op state machine. The
// returned unchain detaches from the caller's signal once the op settles.
func chainCancel(signal *CancelSignal) (*CancelSource, *CancelSignal, func()) {
	src, sig := NewCancelSignal()
	unchain := func() {}
	if signal != nil {
		unchain = signal.OnCancel(src.Cancel)
	}
	return src, sig, unchain
}

// Connect asynchronously connects to addr. Only one Connect may be in
// flight at a time.
func (s *Socket) Connect(signal *CancelSignal, addr *net.TCPAddr) *Future[struct{}] {
	src, sig, unchain := chainCancel(signal)
	fd, err := s.reserve(&s.connectBusy, &s.connectCancel, src, "connect")
	if err != nil {
		unchain()
		return Completed(Result[struct{}]{Err: err})
	}

	sa := tcpAddrToSockaddr(addr)

	return startAsync[struct{}](s.sched, fd, interestWrite, sig, func() { _ = s.ref.release() },
		func() (struct{}, error, bool) {
			err := unix.Connect(fd, sa)
			if err == nil {
				s.cacheEndpoints(fd)
				return struct{}{}, nil, false
			}
			if err == unix.EINPROGRESS {
				return struct{}{}, nil, true
			}
			return struct{}{}, &OpError{Op: "connect", FD: fd, Err: err}, false
		},
		func() (struct{}, error) {
			errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				return struct{}{}, &OpError{Op: "connect", FD: fd, Err: gerr}
			}
			if errno != 0 {
				return struct{}{}, &OpError{Op: "connect", FD: fd, Err: syscall.Errno(errno)}
			}
			s.cacheEndpoints(fd)
			return struct{}{}, nil
		},
		nil,
		s.settle(&s.connectBusy, &s.connectCancel, unchain))
}

// ReadSome reads into buf, returning the byte count. Zero bytes for a
// non-empty buf means end-of-stream. A zero-length buf completes
// immediately with zero bytes and no reactor registration.
func (s *Socket) ReadSome(signal *CancelSignal, buf []byte) *Future[int] {
	if len(buf) == 0 {
		return Completed(Result[int]{Value: 0})
	}
	src, sig, unchain := chainCancel(signal)
	fd, err := s.reserve(&s.readBusy, &s.readCancel, src, "read")
	if err != nil {
		unchain()
		return Completed(Result[int]{Err: err})
	}

	return startAsync[int](s.sched, fd, interestRead, sig, func() { _ = s.ref.release() },
		func() (int, error, bool) {
			n, err := unix.Read(fd, buf)
			return readResult(n, err)
		},
		func() (int, error) {
			n, err := unix.Read(fd, buf)
			v, e, _ := readResult(n, err)
			return v, e
		},
		nil,
		s.settle(&s.readBusy, &s.readCancel, unchain))
}

// WriteSome writes from buf, returning the byte count written.
func (s *Socket) WriteSome(signal *CancelSignal, buf []byte) *Future[int] {
	if len(buf) == 0 {
		return Completed(Result[int]{Value: 0})
	}
	src, sig, unchain := chainCancel(signal)
	fd, err := s.reserve(&s.writeBusy, &s.writeCancel, src, "write")
	if err != nil {
		unchain()
		return Completed(Result[int]{Err: err})
	}

	return startAsync[int](s.sched, fd, interestWrite, sig, func() { _ = s.ref.release() },
		func() (int, error, bool) {
			n, err := unix.Write(fd, buf)
			return writeResult(n, err)
		},
		func() (int, error) {
			n, err := unix.Write(fd, buf)
			v, e, _ := writeResult(n, err)
			return v, e
		},
		nil,
		s.settle(&s.writeBusy, &s.writeCancel, unchain))
}

// ShutdownDirection selects which half of a duplex connection to close.
type ShutdownDirection int

const (
	ShutdownRead ShutdownDirection = iota
	ShutdownWrite
	ShutdownBoth
)

// Shutdown shuts down one or both directions without releasing the
// descriptor.
func (s *Socket) Shutdown(dir ShutdownDirection) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	fd := s.ref.get()
	s.mu.Unlock()
	var how int
	switch dir {
	case ShutdownRead:
		how = unix.SHUT_RD
	case ShutdownWrite:
		how = unix.SHUT_WR
	default:
		how = unix.SHUT_RDWR
	}
	if err := unix.Shutdown(fd, how); err != nil {
		return &OpError{Op: "shutdown", FD: fd, Err: err}
	}
	return nil
}

// Cancel cancels any outstanding operations without closing the socket.
// Each in-flight op is canceled through its own CancelSignal, so the
// pending Future resolves with ErrCanceled (rather than hanging forever)
// and the op's keepalive reference is released through its normal
// execute() path, the same way a caller-supplied CancelSignal would.
func (s *Socket) Cancel() {
	s.mu.Lock()
	connectCancel, readCancel, writeCancel := s.connectCancel, s.readCancel, s.writeCancel
	s.mu.Unlock()
	if connectCancel != nil {
		connectCancel.Cancel()
	}
	if readCancel != nil {
		readCancel.Cancel()
	}
	if writeCancel != nil {
		writeCancel.Cancel()
	}
}

// Close cancels all outstanding operations and releases the descriptor.
// The underlying implementation is destroyed only once every in-flight
// op's keepalive reference has also been released, per the impl-keepalive
// lifetime rule.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.Cancel()
	return s.ref.release()
}

// LocalAddr returns the cached local endpoint from the last successful
// connect or accept, or nil if none.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// RemoteAddr returns the cached remote endpoint.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

func (s *Socket) cacheEndpoints(fd int) {
	local, err := unix.Getsockname(fd)
	if err == nil {
		s.mu.Lock()
		s.localAddr = sockaddrToTCPAddr(local)
		s.mu.Unlock()
	}
	remote, err := unix.Getpeername(fd)
	if err == nil {
		s.mu.Lock()
		s.remoteAddr = sockaddrToTCPAddr(remote)
		s.mu.Unlock()
	}
}

// AwaitConnect is a convenience wrapper that awaits a Connect future and
// returns only its error.
func AwaitConnect(ctx context.Context, f *Future[struct{}]) error {
	_, err := f.Await(ctx)
	return err
}

func readResult(n int, err error) (int, error, bool) {
	if err == nil {
		return n, nil, false
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil, true
	}
	return 0, &OpError{Op: "read", Err: err}, false
}

func writeResult(n int, err error) (int, error, bool) {
	if err == nil {
		return n, nil, false
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil, true
	}
	return 0, &OpError{Op: "write", Err: err}, false
}

func tcpAddrToSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
