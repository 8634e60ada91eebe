//go:build !windows

package mplink

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR and, where available, SO_REUSEPORT on
// the socket before it is bound, for ServerLink.Bind's ReuseAddressHint.
func reuseAddrControl(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			// best-effort: not all unix platforms expose SO_REUSEPORT the
			// same way, and failure here should not fail the bind.
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
