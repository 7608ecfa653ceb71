//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import "net"

func acceptReady(*net.TCPListener) (bool, bool) {
	return false, false
}
