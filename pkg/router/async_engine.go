package router

import (
	"sync"
	"time"

	"github.com/clusterkv/clustercore/pkg/clustererr"
	"github.com/clusterkv/clustercore/pkg/resp"
	"github.com/clusterkv/clustercore/pkg/transport"
)

// ReplyCallback is invoked exactly once per command. A reply is delivered
// from inside the event loop's read callback (AsyncConn.inCallback is true
// for its duration); an unserved slot or a failed dial invokes it
// synchronously from the sending call, and a lost connection invokes it
// from the teardown path. err is non-nil for an unserved slot, a
// connection failure or an exhausted retry budget; redirect replies are
// followed internally and never surface here.
type ReplyCallback func(rep *resp.Reply, err error)

// pendingAsync is one in-flight command awaiting its reply on a
// particular connection's FIFO queue. preflight marks the synthetic AUTH
// entry queued ahead of the first real command on a fresh connection
// (spec.md §4.6 step 4); it carries no user callback.
type pendingAsync struct {
	cmd       *Command
	cb        ReplyCallback
	attempt   int
	asking    bool
	preflight bool
}

// asyncConnState bundles an AsyncConn with the FIFO of callbacks waiting
// on replies from it, in write order.
type asyncConnState struct {
	mu    sync.Mutex
	ac    *transport.AsyncConn
	addr  string
	queue []pendingAsync
}

// AsyncEngine is the non-blocking, callback-driven request engine. It is
// meant to be driven by a single external event loop thread; none of its
// methods take an internal lock around the hot dispatch path beyond what
// is needed to protect the shared connection table from Command calls
// racing a background refresh callback.
type AsyncEngine struct {
	cluster     *Cluster
	loopFactory func(*transport.AsyncConn) transport.EventLoop

	mu    sync.Mutex
	conns map[string]*asyncConnState
}

// NewAsyncEngine builds an AsyncEngine over an already-bootstrapped
// Cluster. loopFactory constructs the EventLoop adapter for a freshly
// dialed AsyncConn; transport.NewDefaultLoop is a reasonable default.
func NewAsyncEngine(c *Cluster, loopFactory func(*transport.AsyncConn) transport.EventLoop) *AsyncEngine {
	return &AsyncEngine{
		cluster:     c,
		loopFactory: loopFactory,
		conns:       make(map[string]*asyncConnState),
	}
}

// Bootstrap dials the initial nodes and installs the first slot map.
func (e *AsyncEngine) Bootstrap() error { return e.cluster.Bootstrap() }

// Command routes args to the node owning its slot and invokes cb exactly
// once, after following any redirects.
func (e *AsyncEngine) Command(cb ReplyCallback, args ...string) {
	cmd := NewCommand(args...)
	node := e.cluster.nodeForSlot(cmd.Slot)
	if node == nil {
		cb(nil, clustererr.ErrSlotNotServed)
		return
	}
	e.send(node.Addr, pendingAsync{cmd: cmd, cb: cb})
}

// send writes cmd to addr's connection (dialing lazily) and enqueues its
// callback on that connection's FIFO.
func (e *AsyncEngine) send(addr string, p pendingAsync) {
	st, err := e.connStateFor(addr)
	if err != nil {
		e.finish(p, nil, err)
		return
	}

	st.mu.Lock()
	if p.asking {
		st.ac.Enqueue(resp.FormatCommand("ASKING"))
	}
	st.ac.Enqueue(p.cmd.Raw)
	st.queue = append(st.queue, p)
	st.mu.Unlock()
}

// connStateFor returns the async connection state for addr, dialing and
// wiring a new AsyncConn if none exists yet. A fresh connection gets an
// AUTH pre-flight spliced onto the front of its FIFO queue before control
// returns to send(), so the caller's real command always lands second in
// both wire order and queue order (spec.md §4.6 step 4).
func (e *AsyncEngine) connStateFor(addr string) (*asyncConnState, error) {
	e.mu.Lock()
	st, ok := e.conns[addr]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	node := e.cluster.store.Registry().Nodes[addr]
	if node != nil {
		node.RecordAttempt(time.Now())
	}

	st = &asyncConnState{addr: addr}
	ac, err := transport.NewAsyncConn(addr, e.cluster.opts.ConnectTimeout, e.cluster.tls, e.loopFactory)
	if err != nil {
		if node != nil {
			node.RecordFailure()
		}
		return nil, err
	}
	st.ac = ac
	ac.OnReadable = func(rep *resp.Reply, rerr error) { e.onReadable(st, rep, rerr) }
	ac.OnTeardown = func(status error) { e.onTeardown(st, status) }

	if e.cluster.opts.Password != "" {
		if e.cluster.opts.Username != "" {
			ac.Enqueue(resp.FormatCommand("AUTH", e.cluster.opts.Username, e.cluster.opts.Password))
		} else {
			ac.Enqueue(resp.FormatCommand("AUTH", e.cluster.opts.Password))
		}
		st.queue = append(st.queue, pendingAsync{preflight: true})
	}

	e.mu.Lock()
	e.conns[addr] = st
	e.mu.Unlock()
	return st, nil
}

// onReadable is the AsyncConn callback: it pops the next pending command
// off the connection's FIFO and either follows a redirect or delivers
// the reply to the caller's callback.
func (e *AsyncEngine) onReadable(st *asyncConnState, rep *resp.Reply, rerr error) {
	node := e.cluster.store.Registry().Nodes[st.addr]

	st.mu.Lock()
	if len(st.queue) == 0 {
		st.mu.Unlock()
		return
	}
	p := st.queue[0]
	st.queue = st.queue[1:]
	st.mu.Unlock()

	if rerr != nil {
		if node != nil {
			node.RecordFailure()
		}
		e.finish(p, nil, rerr)
		return
	}

	if p.preflight {
		if rep.IsError() {
			if node != nil {
				node.RecordFailure()
			}
			st.ac.Disconnect()
			return
		}
		if node != nil {
			node.ResetFailureCount()
		}
		return
	}

	if p.asking {
		// the reply just consumed was ASKING's own +OK; the real
		// command reply is still in flight on this same connection.
		p.asking = false
		st.mu.Lock()
		st.queue = append([]pendingAsync{p}, st.queue...)
		st.mu.Unlock()
		return
	}
	if !rep.IsError() {
		if node != nil {
			node.ResetFailureCount()
		}
		e.finish(p, rep, nil)
		return
	}

	rd := parseRedirect(rep.Str)
	maxRetry := e.cluster.opts.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 1
	}
	if rd.Kind == redirectNone || p.attempt+1 >= maxRetry {
		if rd.Kind != redirectNone {
			if node != nil {
				node.RecordFailure()
			}
			e.finish(p, nil, clustererr.ErrTooManyRetries)
			return
		}
		e.finish(p, rep, nil)
		return
	}

	p.attempt++
	switch rd.Kind {
	case redirectMoved:
		source := st.addr
		e.cluster.applyMovedSlot(p.cmd.Slot, rd.Addr)
		go func() { _ = e.cluster.updateSlotMapFrom(source) }()
		e.send(rd.Addr, p)
	case redirectAsk:
		p.asking = true
		e.send(rd.Addr, p)
	case redirectTryAgain, redirectClusterDown:
		time.AfterFunc(tryAgainBackoff(p.attempt), func() { e.send(st.addr, p) })
	}
}

func (e *AsyncEngine) finish(p pendingAsync, rep *resp.Reply, err error) {
	if p.cb != nil {
		p.cb(rep, err)
	}
}

// onTeardown fails every still-pending callback on a lost connection and
// forgets it, so the next Command call re-dials.
func (e *AsyncEngine) onTeardown(st *asyncConnState, status error) {
	e.mu.Lock()
	if cur, ok := e.conns[st.addr]; ok && cur == st {
		delete(e.conns, st.addr)
	}
	e.mu.Unlock()

	st.mu.Lock()
	pending := st.queue
	st.queue = nil
	st.mu.Unlock()

	if status != nil {
		if node := e.cluster.store.Registry().Nodes[st.addr]; node != nil {
			node.RecordFailure()
		}
	}

	err := status
	if err == nil {
		err = clustererr.ErrConnectionClosed
	}
	for _, p := range pending {
		e.finish(p, nil, err)
	}
}

// UpdateSlotMap forces an immediate (throttle-respecting) slot-map
// refresh; safe to call from within a reply callback.
func (e *AsyncEngine) UpdateSlotMap() error { return e.cluster.UpdateSlotMap() }

// Free tears down every connection this engine owns.
func (e *AsyncEngine) Free() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, st := range e.conns {
		st.ac.Free()
		delete(e.conns, addr)
	}
}
