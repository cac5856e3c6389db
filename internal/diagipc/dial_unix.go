//go:build !windows

package diagipc

import (
	"context"
	"net"
)

// dialSocket connects to the runtime's Unix domain diagnostics socket.
func dialSocket(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
