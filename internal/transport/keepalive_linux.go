//go:build linux

package transport

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// keepAliveControl enables keep-alive probing on the raw socket with the
// given idle time and probe interval.
func keepAliveControl(period time.Duration) func(network, address string, c syscall.RawConn) error {
	secs := int(period / time.Second)
	if secs < 1 {
		secs = 1
	}
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); sockErr != nil {
				return
			}
			if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); sockErr != nil {
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
