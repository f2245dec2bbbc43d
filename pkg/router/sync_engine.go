package router

import (
	"time"

	"github.com/clusterkv/clustercore/pkg/clustererr"
	"github.com/clusterkv/clustercore/pkg/resp"
	"github.com/clusterkv/clustercore/pkg/transport"
)

// SyncEngine is the blocking request engine: one Command call dials,
// sends, reads, and follows redirects to completion before returning.
// AppendCommand/GetReply additionally support pipelining a batch of
// commands to a single node.
type SyncEngine struct {
	cluster *Cluster

	// pending holds commands queued by AppendCommand, along with the
	// node each was last sent to, so GetReply can read replies back in
	// the same order they were written.
	pending []pendingCommand
}

type pendingCommand struct {
	conn *transport.Conn
	addr string
}

// NewSyncEngine builds a SyncEngine over an already-bootstrapped Cluster.
func NewSyncEngine(c *Cluster) *SyncEngine {
	return &SyncEngine{cluster: c}
}

// Command routes args to the node owning its slot, following
// MOVED/ASK/TRYAGAIN/CLUSTERDOWN redirects until a non-redirect reply
// comes back or the retry budget is exhausted.
func (e *SyncEngine) Command(args ...string) (*resp.Reply, error) {
	return e.dispatch(NewCommand(args...))
}

// CommandToNode bypasses slot routing and sends directly to addr. Still
// follows redirects, since a pinned node can still hand back MOVED/ASK
// (e.g. during a manual resharding tool run).
func (e *SyncEngine) CommandToNode(addr string, args ...string) (*resp.Reply, error) {
	cmd := NewCommand(args...)
	return e.dispatchAt(addr, cmd, false)
}

func (e *SyncEngine) dispatch(cmd *Command) (*resp.Reply, error) {
	node := e.cluster.nodeForSlot(cmd.Slot)
	if node == nil {
		return nil, clustererr.ErrSlotNotServed
	}
	return e.dispatchAt(node.Addr, cmd, false)
}

// dispatchAt drives the redirect state machine for a single command.
func (e *SyncEngine) dispatchAt(addr string, cmd *Command, asking bool) (*resp.Reply, error) {
	maxRetry := e.cluster.opts.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 1
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		conn, err := e.cluster.connFor(addr)
		if err != nil {
			// Unreachable node: fall back to any other known primary
			// rather than burning the whole budget against a dead one.
			if alt := e.cluster.anyNode(); alt != nil && alt.Addr != addr {
				addr = alt.Addr
				continue
			}
			return nil, err
		}

		if asking {
			if werr := conn.WriteCommand("ASKING"); werr != nil {
				e.cluster.dropConn(addr, conn)
				continue
			}
			if _, rerr := conn.ReadReply(); rerr != nil {
				e.cluster.dropConn(addr, conn)
				continue
			}
			asking = false
		}

		if err := conn.WriteRaw(cmd.Raw); err != nil {
			e.cluster.dropConn(addr, conn)
			continue
		}
		rep, err := conn.ReadReply()
		if err != nil {
			e.cluster.dropConn(addr, conn)
			continue
		}
		if !rep.IsError() {
			return rep, nil
		}

		rd := parseRedirect(rep.Str)
		switch rd.Kind {
		case redirectMoved:
			source := addr
			addr = rd.Addr
			e.cluster.applyMovedSlot(cmd.Slot, rd.Addr)
			go func() { _ = e.cluster.updateSlotMapFrom(source) }()
			continue
		case redirectAsk:
			addr = rd.Addr
			asking = true
			continue
		case redirectTryAgain:
			time.Sleep(tryAgainBackoff(attempt))
			continue
		case redirectClusterDown:
			e.cluster.log.Error("cluster down", clustererr.New(clustererr.KindRouting, rep.Str))
			time.Sleep(tryAgainBackoff(attempt))
			continue
		default:
			return rep, nil
		}
	}
	return nil, clustererr.ErrTooManyRetries
}

func tryAgainBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 10 * time.Millisecond
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

// AppendCommand queues args for pipelined dispatch to the node owning its
// slot, writing it immediately but deferring the reply read to GetReply.
// Pipelining does not follow redirects itself -- a MOVED/ASK reply
// surfaces to the caller from GetReply like any other reply, since
// re-routing a command whose siblings are already in flight on the old
// connection would reorder the batch.
func (e *SyncEngine) AppendCommand(args ...string) error {
	cmd := NewCommand(args...)
	node := e.cluster.nodeForSlot(cmd.Slot)
	if node == nil {
		return clustererr.ErrSlotNotServed
	}
	conn, err := e.cluster.connFor(node.Addr)
	if err != nil {
		return err
	}
	if err := conn.WriteRaw(cmd.Raw); err != nil {
		e.cluster.dropConn(node.Addr, conn)
		return err
	}
	e.pending = append(e.pending, pendingCommand{conn: conn, addr: node.Addr})
	return nil
}

// GetReply reads the next pipelined reply in FIFO order.
func (e *SyncEngine) GetReply() (*resp.Reply, error) {
	if len(e.pending) == 0 {
		return nil, clustererr.New(clustererr.KindOther, "no pending pipelined command")
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	rep, err := p.conn.ReadReply()
	if err != nil {
		e.cluster.dropConn(p.addr, p.conn)
		return nil, err
	}
	return rep, nil
}

// Reset discards any unread pipelined replies and drops every pooled
// connection, forcing a fresh dial on next use.
func (e *SyncEngine) Reset() {
	e.pending = nil
	e.cluster.Close()
}

// UpdateSlotMap forces an immediate (throttle-respecting) slot-map
// refresh.
func (e *SyncEngine) UpdateSlotMap() error { return e.cluster.UpdateSlotMap() }

// Bootstrap dials the initial nodes and installs the first slot map.
func (e *SyncEngine) Bootstrap() error { return e.cluster.Bootstrap() }
