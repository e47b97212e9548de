package transport

import (
	"errors"
	"net"
	"time"
)

// idleTimeoutConn refreshes the read or write deadline before every I/O call,
// so the timeout bounds inactivity rather than the whole exchange.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

// NewIdleTimeoutConn wraps c so that each Read and Write fails after timeout
// of inactivity. A non-positive timeout returns c unchanged.
func NewIdleTimeoutConn(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleTimeoutConn{Conn: c, timeout: timeout}
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
