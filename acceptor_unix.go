//go:build linux || darwin

package corosio

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Acceptor listens for inbound connections and materializes an accepted
// Socket per completed Accept.
type Acceptor struct {
	sched *Scheduler
	ref   *implRef[int]

	mu           sync.Mutex
	acceptBusy   bool
	acceptCancel *CancelSource
	localAddr    net.Addr
	closed       bool
}

// NewAcceptor opens, binds, and listens on addr.
func NewAcceptor(sched *Scheduler, addr *net.TCPAddr, backlog int) (*Acceptor, error) {
	family := unix.AF_INET
	if addr.IP != nil && addr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := sysSocket(family)
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, &OpError{Op: "setsockopt", FD: fd, Err: err}
	}
	if err := unix.Bind(fd, tcpAddrToSockaddr(addr)); err != nil {
		_ = unix.Close(fd)
		return nil, &OpError{Op: "bind", FD: fd, Err: err}
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, &OpError{Op: "listen", FD: fd, Err: err}
	}

	a := &Acceptor{sched: sched}
	a.ref = newImplRef(fd, func(fd int) error { return unix.Close(fd) })

	if sa, err := unix.Getsockname(fd); err == nil {
		a.localAddr = sockaddrToTCPAddr(sa)
	}
	return a, nil
}

// LocalAddr returns the listening endpoint, useful after binding to port
// 0 to discover the assigned port.
func (a *Acceptor) LocalAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localAddr
}

// Accept asynchronously accepts one connection, returning a *Socket
// already wrapping the accepted descriptor with endpoints cached. On
// cancellation or failure, any already-accepted descriptor is closed.
// Only one Accept may be in flight at a time.
func (a *Acceptor) Accept(signal *CancelSignal) *Future[*Socket] {
	src, sig, unchain := chainCancel(signal)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		unchain()
		return Completed(Result[*Socket]{Err: ErrClosed})
	}
	if a.acceptBusy {
		a.mu.Unlock()
		unchain()
		return Completed(Result[*Socket]{Err: &LogicError{Message: "accept already in flight"}})
	}
	a.acceptBusy = true
	a.acceptCancel = src
	a.ref.acquire()
	fd := a.ref.get()
	a.mu.Unlock()

	attempt := func() (*Socket, error, bool) {
		connFD, _, err := sysAccept(fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil, nil, true
			}
			return nil, &OpError{Op: "accept", FD: fd, Err: err}, false
		}
		sock := newSocketFromFD(a.sched, connFD)
		sock.cacheEndpoints(connFD)
		return sock, nil, false
	}

	return startAsync[*Socket](a.sched, fd, interestRead, sig, func() { _ = a.ref.release() }, attempt,
		func() (*Socket, error) {
			v, err, _ := attempt()
			return v, err
		},
		func(sock *Socket) {
			if sock != nil {
				_ = sock.Close()
			}
		},
		func() {
			unchain()
			a.mu.Lock()
			a.acceptBusy = false
			a.acceptCancel = nil
			a.mu.Unlock()
		})
}

// Cancel cancels any outstanding Accept. It triggers the op's own
// CancelSignal so the pending Future resolves with ErrCanceled and the
// keepalive reference is released through the op's normal execute() path,
// instead of deregistering the reactor directly and leaving the Future
// (and the fd) to hang forever.
func (a *Acceptor) Cancel() {
	a.mu.Lock()
	acceptCancel := a.acceptCancel
	a.mu.Unlock()
	if acceptCancel != nil {
		acceptCancel.Cancel()
	}
}

// Close cancels any outstanding Accept and releases the listening
// descriptor.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.Cancel()
	return a.ref.release()
}
