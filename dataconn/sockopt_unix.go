//go:build unix

package dataconn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets an active data connection bind its fixed local port while
// the previous connection from that port is still in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}
