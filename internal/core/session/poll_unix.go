//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package session

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// recvNoWait performs a single non-blocking recv on the socket. ok is false if
// the raw connection couldn't be used.
func recvNoWait(rc syscall.RawConn, buf []byte) (n int, ok bool, err error) {
	var recvErr error
	ctrlErr := rc.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return 0, false, nil
	}

	switch {
	case errors.Is(recvErr, unix.EAGAIN), errors.Is(recvErr, unix.EWOULDBLOCK), errors.Is(recvErr, unix.EINTR):
		return 0, true, errWouldBlock
	case recvErr != nil:
		return 0, true, recvErr
	case n == 0 && len(buf) > 0:
		return 0, true, io.EOF
	}
	return n, true, nil
}

// peekAlive peeks at the socket without consuming data. A readable socket that
// yields zero bytes means the peer closed its end.
func peekAlive(rc syscall.RawConn) (alive bool, ok bool) {
	var n int
	var peekErr error
	one := make([]byte, 1)
	ctrlErr := rc.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), one, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return false, true
	}

	switch {
	case errors.Is(peekErr, unix.EAGAIN), errors.Is(peekErr, unix.EWOULDBLOCK), errors.Is(peekErr, unix.EINTR):
		return true, true
	case peekErr != nil:
		return false, true
	}
	return n > 0, true
}
