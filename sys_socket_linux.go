//go:build linux

package corosio

import "golang.org/x/sys/unix"

// sysSocket opens a stream socket with the non-blocking and close-on-exec
// flags applied atomically at creation.
func sysSocket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// sysAccept accepts one connection with the same flags applied atomically
// to the new descriptor, via accept4(2).
func sysAccept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sa, nil
}
