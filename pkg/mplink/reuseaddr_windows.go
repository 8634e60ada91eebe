//go:build windows

package mplink

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl sets SO_REUSEADDR on the socket before it is bound, for
// ServerLink.Bind's ReuseAddressHint. Windows has no SO_REUSEPORT
// equivalent; SO_REUSEADDR alone is what kcptun-style servers rely on here.
func reuseAddrControl(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
