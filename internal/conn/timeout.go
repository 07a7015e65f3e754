package conn

import (
	"net"
	"time"
)

// ReadTimeoutConn fails any Read that waits longer than Timeout for data.
// The deadline is pushed forward before each Read, so it bounds idle time
// rather than the connection's lifetime.
type ReadTimeoutConn struct {
	net.Conn
	Timeout time.Duration
}

// WithReadTimeout wraps c in a ReadTimeoutConn. A zero or negative d
// returns c unchanged.
func WithReadTimeout(c net.Conn, d time.Duration) net.Conn {
	if d <= 0 {
		return c
	}
	return &ReadTimeoutConn{Conn: c, Timeout: d}
}

func (c *ReadTimeoutConn) Read(p []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *ReadTimeoutConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

// CloseWrite half-closes c if its type supports it (TCP, TLS, and the
// wrappers in this package) and otherwise does nothing.
func CloseWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
