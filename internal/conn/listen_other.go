//go:build !unix

package conn

import (
	"syscall"

	"github.com/die-net/prtunnel/internal/resolve"
)

// tcp6 sockets are already v6-only by default on Windows.
func control(resolve.Family) func(network, address string, c syscall.RawConn) error {
	return nil
}
