package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR on
// the listening socket before bind, the way a restarted XCP slave expects
// to reclaim its configured port immediately instead of hitting
// "address already in use" while the previous socket drains TIME_WAIT.
func reuseAddrListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
