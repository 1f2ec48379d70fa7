//go:build darwin || linux
// +build darwin linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func alive(rc syscall.RawConn) bool {
	ok := true
	err := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil || n == 0 {
			return // nothing happened since we last looked
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			ok = false
			return
		}
		var b [1]byte
		m, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		case err != nil:
			ok = false // reset
		case m == 0:
			ok = false // orderly shutdown by the peer
		}
	})
	return err == nil && ok
}
