//go:build !unix

package vision

import "syscall"

func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
