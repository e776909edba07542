package proxyagent

import (
	"bytes"
	"net"
)

// bufferedConn is a tunnel whose first bytes were read off the wire together
// with the CONNECT response.
type bufferedConn struct {
	net.Conn
	buf *bytes.Reader
}

// Read drains the leftover bytes before reading from the connection.
func (c *bufferedConn) Read(b []byte) (int, error) {
	if c.buf.Len() > 0 {
		return c.buf.Read(b)
	}
	return c.Conn.Read(b)
}

// NetConn returns the connection to the proxy.
func (c *bufferedConn) NetConn() net.Conn {
	return c.Conn
}
