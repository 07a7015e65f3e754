//go:build unix

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/prtunnel/internal/resolve"
)

func control(family resolve.Family) func(network, address string, c syscall.RawConn) error {
	if family != resolve.IPv6 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}); err != nil {
			return err
		}
		return serr
	}
}
