package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/clusterkv/clustercore/pkg/resp"
)

// AsyncConn is a single non-blocking, single-node connection driven by an
// EventLoop adapter. All methods are expected to run on the loop's single
// thread; AsyncConn does no internal locking of its own beyond what is
// needed to make Enqueue safe to call from the same goroutine that drives
// the loop (spec.md §5: no operation is safe to call concurrently on the
// same context from multiple threads).
type AsyncConn struct {
	netConn net.Conn
	loop    EventLoop
	Reader  *resp.Reader

	outMu  sync.Mutex
	outbuf []byte

	Connected     bool
	Disconnecting bool
	Freeing       bool
	inCallback    bool

	// OnReadable is invoked once per fully-parsed reply, in arrival
	// order; the router installs this to dispatch to pending callbacks.
	OnReadable func(rep *resp.Reply, err error)
	// OnConnected fires once, the first time the output buffer fully
	// drains after a successful write (the "connected" transition).
	OnConnected func()
	// OnTeardown fires exactly once when the connection is finally torn
	// down, status nil for a voluntary disconnect.
	OnTeardown func(status error)
}

// NewAsyncConn dials addr and installs loop as its EventLoop adapter. The
// adapter is expected to call HandleRead/HandleWrite/HandleTimeout back
// when it observes activity; NewAsyncConn itself performs no I/O beyond
// the connect.
func NewAsyncConn(addr string, connectTimeout time.Duration, tls TLSDialer, loopFactory func(*AsyncConn) EventLoop) (*AsyncConn, error) {
	nc, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, err
	}
	if tls != nil {
		nc, err = tls(nc)
		if err != nil {
			nc.Close()
			return nil, err
		}
	}
	c := &AsyncConn{netConn: nc, Reader: resp.NewReader()}
	c.loop = loopFactory(c)
	// A reply (or an unsolicited push) can arrive as soon as the socket
	// is up, so start watching for readability immediately rather than
	// waiting for the first Enqueue.
	c.loop.AddRead()
	return c, nil
}

// InCallback reports whether a reply callback is currently executing on
// this connection (reentrancy guard, spec.md §4.6/§9).
func (c *AsyncConn) InCallback() bool { return c.inCallback }

// Enqueue appends already-formatted command bytes to the output buffer
// and asks the loop to watch for writability.
func (c *AsyncConn) Enqueue(b []byte) {
	c.outMu.Lock()
	c.outbuf = append(c.outbuf, b...)
	c.outMu.Unlock()
	c.loop.AddWrite()
}

// HandleWrite flushes as much of the output buffer as the socket accepts.
// Go's net.Conn.Write already loops internally until fully written or
// erroring, so in practice this either drains the whole buffer or fails;
// the register/unregister bookkeeping still follows the spec's shape so a
// future adapter built on a truly non-blocking fd can slot in partial
// writes without changing this method's contract.
func (c *AsyncConn) HandleWrite() {
	c.outMu.Lock()
	buf := c.outbuf
	c.outMu.Unlock()
	if len(buf) == 0 {
		c.loop.DelWrite()
		return
	}
	n, err := c.netConn.Write(buf)
	c.outMu.Lock()
	c.outbuf = c.outbuf[n:]
	drained := len(c.outbuf) == 0
	c.outMu.Unlock()

	if err != nil {
		c.fail(err)
		return
	}
	if drained {
		c.loop.DelWrite()
		if !c.Connected {
			c.Connected = true
			if c.OnConnected != nil {
				c.OnConnected()
			}
		}
	}
}

// HandleRead reads available bytes and feeds them to Reader, then drains
// every complete reply via OnReadable, in order.
func (c *AsyncConn) HandleRead() {
	c.netConn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
	buf := make([]byte, 4096)
	n, err := c.netConn.Read(buf)
	if n > 0 {
		c.Reader.Feed(buf[:n])
	}
	for {
		rep, perr := c.Reader.GetReply()
		if perr != nil {
			c.deliverInCallback(nil, perr)
			c.fail(perr)
			return
		}
		if rep == nil {
			break
		}
		c.deliverInCallback(rep, nil)
		if c.Freeing || c.Disconnecting {
			if c.maybeTeardown() {
				return
			}
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		c.fail(err)
	}
}

// HandleTimeout is invoked by the loop's scheduled timer and reports a
// timeout error to OnReadable. Nothing in this module calls
// ScheduleTimeout, so connect and command timeouts are not enforced on
// the async path; the timer fires only if an adapter or caller
// schedules it.
func (c *AsyncConn) HandleTimeout() {
	if c.OnReadable != nil {
		c.OnReadable(nil, errTimeout)
	}
}

var errTimeout = errors.New("transport: timeout")

func (c *AsyncConn) deliverInCallback(rep *resp.Reply, err error) {
	c.inCallback = true
	if c.OnReadable != nil {
		c.OnReadable(rep, err)
	}
	c.inCallback = false
}

func (c *AsyncConn) fail(err error) {
	c.loop.DelRead()
	c.loop.DelWrite()
	c.loop.Cleanup()
	c.netConn.Close()
	if c.OnTeardown != nil {
		c.OnTeardown(err)
	}
}

// Disconnect sets Disconnecting; if no callback is in flight it tears
// down immediately, otherwise teardown happens when the callback returns
// (spec.md §4.6).
func (c *AsyncConn) Disconnect() {
	c.Disconnecting = true
	if !c.inCallback {
		c.maybeTeardown()
	}
}

// Free sets Freeing; deferred to callback return if one is in flight.
func (c *AsyncConn) Free() {
	c.Freeing = true
	if !c.inCallback {
		c.maybeTeardown()
	}
}

// maybeTeardown performs teardown once outside of any in-flight callback.
// Returns true if teardown happened.
func (c *AsyncConn) maybeTeardown() bool {
	if c.inCallback {
		return false
	}
	if !c.Disconnecting && !c.Freeing {
		return false
	}
	c.loop.DelRead()
	c.loop.DelWrite()
	c.loop.Cleanup()
	c.netConn.Close()
	if c.OnTeardown != nil {
		c.OnTeardown(nil)
	}
	return true
}

// RemoteAddr returns the peer address.
func (c *AsyncConn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// Close is the Conn-compatible alias for Disconnect, satisfying
// topology.Conn.
func (c *AsyncConn) Close() error {
	c.Disconnect()
	return nil
}
