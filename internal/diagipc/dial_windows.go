//go:build windows

package diagipc

import (
	"context"
	"errors"
	"net"
)

// ErrUnsupportedPlatform is returned where the runtime exposes its
// diagnostics server through a named pipe.
var ErrUnsupportedPlatform = errors.New("diagipc: named pipe transport is not supported")

func dialSocket(ctx context.Context, path string) (net.Conn, error) {
	return nil, ErrUnsupportedPlatform
}
