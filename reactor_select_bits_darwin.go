//go:build darwin

package corosio

import "golang.org/x/sys/unix"

func addFD(set *unix.FdSet, fd int) {
	set.Bits[fd/32] |= 1 << (uint(fd) % 32)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/32]&(1<<(uint(fd)%32)) != 0
}
