// Package transport provides the per-node byte-stream connections the
// router dispatches commands over: a blocking Conn for the sync engine
// and a cooperative, event-loop-driven AsyncConn for the async engine.
// TLS and the concrete event-loop adapter are external collaborators;
// this package only states their contracts (TLSDialer, EventLoop).
package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/clusterkv/clustercore/pkg/resp"
)

// TLSDialer wraps a freshly-dialed net.Conn in TLS, or returns it
// unchanged for a nil TLSDialer. It is invoked immediately after connect
// and before authentication (spec.md §6).
type TLSDialer func(conn net.Conn) (net.Conn, error)

// Conn is a blocking, single-node connection used by the sync request
// engine. It owns a net.Conn plus an incremental resp.Reader fed from
// blocking reads.
type Conn struct {
	netConn net.Conn
	reader  *resp.Reader
	w       *bufio.Writer
	timeout time.Duration
	broken  bool
}

// Dial opens a blocking connection to addr, applying tls if non-nil and
// connectTimeout to the TCP handshake.
func Dial(addr string, connectTimeout time.Duration, tls TLSDialer) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tls != nil {
		nc, err = tls(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("transport: tls handshake %s: %w", addr, err)
		}
	}
	return &Conn{
		netConn: nc,
		reader:  resp.NewReader(),
		w:       bufio.NewWriter(nc),
	}, nil
}

// SetCommandTimeout bounds every subsequent Read/Write deadline.
func (c *Conn) SetCommandTimeout(d time.Duration) { c.timeout = d }

// Broken reports whether a prior I/O or protocol error marked this
// connection unusable; the sync engine reconnects when it sees this.
func (c *Conn) Broken() bool { return c.broken }

// WriteRaw writes already-formatted command bytes.
func (c *Conn) WriteRaw(b []byte) error {
	if c.timeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.w.Write(b); err != nil {
		c.broken = true
		return fmt.Errorf("transport: write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		c.broken = true
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// WriteCommand formats and writes a fixed-arity command (AUTH, ASKING,
// CLUSTER SLOTS/NODES).
func (c *Conn) WriteCommand(args ...string) error {
	return c.WriteRaw(resp.FormatCommand(args...))
}

// ReadReply blocks until one complete top-level reply is available,
// reading further from the socket as needed.
func (c *Conn) ReadReply() (*resp.Reply, error) {
	for {
		rep, err := c.reader.GetReply()
		if err != nil {
			c.broken = true
			return nil, err
		}
		if rep != nil {
			return rep, nil
		}
		if c.timeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.timeout))
		}
		buf := make([]byte, 4096)
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.reader.Feed(buf[:n])
		}
		if err != nil {
			c.broken = true
			return nil, fmt.Errorf("transport: read: %w", err)
		}
	}
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.netConn == nil {
		return nil
	}
	err := c.netConn.Close()
	c.netConn = nil
	c.broken = true
	return err
}

// RemoteAddr returns the peer address, or "" once the connection is
// closed.
func (c *Conn) RemoteAddr() string {
	if c.netConn == nil {
		return ""
	}
	return c.netConn.RemoteAddr().String()
}
