package session

import (
	"errors"
	"net"
	"syscall"
	"time"
)

// errWouldBlock is returned by readAvailable when no data is waiting.
var errWouldBlock = errors.New("no data available")

// Used for transports that don't expose a file descriptor (e.g. net.Pipe).
const fallbackReadWait = time.Millisecond

func rawConn(conn net.Conn) syscall.RawConn {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	return rc
}

// readAvailable reads whatever is waiting on conn into buf without blocking.
func readAvailable(conn net.Conn, buf []byte) (int, error) {
	if rc := rawConn(conn); rc != nil {
		if n, ok, err := recvNoWait(rc, buf); ok {
			return n, err
		}
	}
	return readWithDeadline(conn, buf)
}

// peerConnected reports whether conn's peer hasn't closed the connection.
func peerConnected(conn net.Conn) bool {
	if rc := rawConn(conn); rc != nil {
		if alive, ok := peekAlive(rc); ok {
			return alive
		}
	}
	// Without a peek the closure is noticed by the next read returning io.EOF.
	return true
}

func readWithDeadline(conn net.Conn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(fallbackReadWait)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if n > 0 {
			return n, nil
		}
		return 0, errWouldBlock
	}
	return n, err
}
