//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// acceptReady polls the listening socket with a zero timeout. ok is false when
// the socket couldn't be inspected and the caller should fall back to a deadline.
func acceptReady(listener *net.TCPListener) (ready bool, ok bool) {
	rc, err := listener.SyscallConn()
	if err != nil {
		return false, false
	}

	var n int
	var pollErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, pollErr = unix.Poll(fds, 0)
			if !errors.Is(pollErr, unix.EINTR) {
				return
			}
		}
	})
	if ctrlErr != nil || pollErr != nil {
		return false, false
	}
	return n > 0, true
}
