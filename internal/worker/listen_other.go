//go:build !unix

package worker

import (
	"context"
	"net"
)

// ReusePortListen falls back to a plain listener where SO_REUSEPORT is not
// available; only one worker can bind the address there.
func ReusePortListen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
