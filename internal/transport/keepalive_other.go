//go:build !linux

package transport

import (
	"syscall"
	"time"
)

// keepAliveControl is a no-op; net.Dialer.KeepAlive covers these platforms.
func keepAliveControl(time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
