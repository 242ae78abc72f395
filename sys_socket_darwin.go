//go:build darwin

package corosio

import "golang.org/x/sys/unix"

// sysSocket opens a stream socket and applies the non-blocking and
// close-on-exec flags afterward; Darwin has no SOCK_NONBLOCK/SOCK_CLOEXEC
// socket(2) flags, so the two fcntl steps happen separately.
func sysSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// sysAccept accepts one connection; Darwin has no accept4(2), so the flags
// are applied to the new descriptor after the fact.
func sysAccept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
