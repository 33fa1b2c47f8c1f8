//go:build !unix && !windows

package dataconn

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
