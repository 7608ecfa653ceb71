//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package session

import "syscall"

func recvNoWait(syscall.RawConn, []byte) (int, bool, error) {
	return 0, false, nil
}

func peekAlive(syscall.RawConn) (bool, bool) {
	return false, false
}
