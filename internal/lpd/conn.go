package lpd

import (
	"bufio"
	"net"
	"time"
)

// Conn is a protocol connection. Every read and write re-arms the I/O
// timeout, so a stalled peer surfaces as a timeout error instead of a hang.
type Conn struct {
	net.Conn
	R       *bufio.Reader
	Peer    string
	timeout time.Duration
}

type readFunc func([]byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }

func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	c := &Conn{Conn: nc, timeout: timeout, Peer: peerHost(nc.RemoteAddr())}
	c.R = bufio.NewReader(readFunc(c.readRaw))
	return c
}

func (c *Conn) readRaw(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *Conn) Read(p []byte) (int, error) { return c.R.Read(p) }

func (c *Conn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes TCP connections so the peer sees end of input.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func peerHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
