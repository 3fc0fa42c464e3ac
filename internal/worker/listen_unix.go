//go:build unix

package worker

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortListen binds addr with SO_REUSEPORT so every worker of the
// cluster can listen on the same address and the kernel spreads
// connections between them.
func ReusePortListen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
