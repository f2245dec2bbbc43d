package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/clusterkv/clustercore/pkg/clusterconfig"
	"github.com/clusterkv/clustercore/pkg/clustererr"
	"github.com/clusterkv/clustercore/pkg/clusterlog"
	"github.com/clusterkv/clustercore/pkg/topology"
	"github.com/clusterkv/clustercore/pkg/transport"
)

// Cluster is the shared routing context: a slot-map store, a pool of
// blocking per-node connections, and the bookkeeping needed to throttle
// background topology refreshes. SyncEngine and AsyncEngine both build
// on top of it; a single Cluster can back many engines, but an
// individual engine (and the Cluster it was built from) is not safe for
// concurrent use by multiple goroutines without external synchronization
// beyond what is documented per method.
type Cluster struct {
	opts clusterconfig.Options
	log  *clusterlog.Logger
	tls  transport.TLSDialer

	store *topology.Store

	mu          sync.Mutex
	conns       map[string]*transport.Conn
	lastRefresh time.Time
	refreshing  bool
}

// New constructs a Cluster from opts. Bootstrap must be called before any
// command is dispatched.
func New(opts clusterconfig.Options, log *clusterlog.Logger) *Cluster {
	if log == nil {
		log = clusterlog.Discard()
	}
	return &Cluster{
		opts:  opts,
		log:   log,
		store: topology.NewStore(),
		conns: make(map[string]*transport.Conn),
	}
}

// WithTLS installs a TLS dialer applied to every new connection.
func (c *Cluster) WithTLS(d transport.TLSDialer) *Cluster {
	c.tls = d
	return c
}

// Store exposes the underlying slot-map store, e.g. for a debug surface.
func (c *Cluster) Store() *topology.Store { return c.store }

// Bootstrap dials the configured initial nodes in order, fetching the
// topology from the first that answers, and installs it into the store.
// It returns an error only if every initial node fails.
func (c *Cluster) Bootstrap() error {
	if len(c.opts.InitialNodes) == 0 {
		return clustererr.ErrNoInitialNodes
	}
	var lastErr error
	for _, addr := range c.opts.InitialNodes {
		reg, err := c.fetchTopology(addr)
		if err != nil {
			lastErr = err
			c.log.Error("bootstrap "+addr, err)
			continue
		}
		c.store.Swap(reg)
		c.log.SlotMapUpdated(c.store.Version(), len(reg.Nodes))
		return nil
	}
	return fmt.Errorf("router: bootstrap failed against all initial nodes: %w", lastErr)
}

// fetchTopology opens a throwaway connection to addr and asks it for the
// cluster topology in whichever reply format was configured.
func (c *Cluster) fetchTopology(addr string) (*topology.Registry, error) {
	conn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if c.opts.TopologyFormat == clusterconfig.FormatClusterNodes {
		if err := conn.WriteCommand("CLUSTER", "NODES"); err != nil {
			return nil, err
		}
		rep, err := conn.ReadReply()
		if err != nil {
			return nil, err
		}
		return topology.ParseClusterNodes(rep.Str, c.opts.UseReplicas, addr)
	}

	if err := conn.WriteCommand("CLUSTER", "SLOTS"); err != nil {
		return nil, err
	}
	rep, err := conn.ReadReply()
	if err != nil {
		return nil, err
	}
	return topology.ParseClusterSlots(rep, c.opts.UseReplicas)
}

// dial opens a fresh blocking connection to addr and performs the
// pre-flight AUTH call if credentials were configured.
func (c *Cluster) dial(addr string) (*transport.Conn, error) {
	conn, err := transport.Dial(addr, c.opts.ConnectTimeout, c.tls)
	if err != nil {
		return nil, err
	}
	conn.SetCommandTimeout(c.opts.CommandTimeout)
	if c.opts.Password != "" {
		var authErr error
		if c.opts.Username != "" {
			authErr = conn.WriteCommand("AUTH", c.opts.Username, c.opts.Password)
		} else {
			authErr = conn.WriteCommand("AUTH", c.opts.Password)
		}
		if authErr != nil {
			conn.Close()
			return nil, authErr
		}
		rep, err := conn.ReadReply()
		if err != nil {
			conn.Close()
			return nil, err
		}
		if rep.IsError() {
			conn.Close()
			return nil, clustererr.New(clustererr.KindIO, "AUTH failed: "+rep.Str)
		}
	}
	return conn, nil
}

// connFor returns the pooled connection for addr, dialing one if needed.
// When addr names a node known to the current topology, the connection is
// owned by that *topology.Node rather than by Cluster itself, so a
// background slot-map swap can steal it across onto the fresh Node value
// built for the same address (topology.Store.Swap). Addresses not yet
// present in the topology -- e.g. a MOVED/ASK target mid-resharding,
// before the next refresh has caught up -- fall back to an ad-hoc map
// keyed by address.
func (c *Cluster) connFor(addr string) (*transport.Conn, error) {
	if node := c.store.Registry().Nodes[addr]; node != nil {
		if existing, ok := node.BlockingConn().(*transport.Conn); ok && existing != nil && !existing.Broken() {
			return existing, nil
		}
		node.RecordAttempt(time.Now())
		conn, err := c.dial(addr)
		if err != nil {
			return nil, err
		}
		node.SetBlockingConn(conn)
		return conn, nil
	}

	c.mu.Lock()
	conn, ok := c.conns[addr]
	c.mu.Unlock()
	if ok && !conn.Broken() {
		return conn, nil
	}
	conn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[addr] = conn
	c.mu.Unlock()
	return conn, nil
}

// dropConn forgets and closes the connection for addr, if bad is still the
// one in use (a concurrent dialer may already have replaced it).
func (c *Cluster) dropConn(addr string, bad *transport.Conn) {
	if node := c.store.Registry().Nodes[addr]; node != nil {
		node.ClearBlockingConnIfCurrent(bad)
		bad.Close()
		return
	}

	c.mu.Lock()
	if cur, ok := c.conns[addr]; ok && cur == bad {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	bad.Close()
}

// applyMovedSlot performs the immediate single-slot table rewrite a MOVED
// redirect requires (spec.md §4.5 step 6, "update table[slot] in place"):
// a cheap local correction applied before the throttled background refresh
// (updateSlotMapFrom) has a chance to run, so commands routed to the same
// slot within the throttle window don't keep re-incurring the redirect.
func (c *Cluster) applyMovedSlot(slot int, addr string) *topology.Node {
	return c.store.UpdateSlot(slot, addr)
}

// UpdateSlotMap refreshes the slot map from a connected-preferring,
// randomly-selected node, throttled to at most once per
// opts.RefreshThrottle. It is safe to call opportunistically after every
// redirect; most calls will be no-ops.
func (c *Cluster) UpdateSlotMap() error {
	return c.updateSlotMapFrom("")
}

// updateSlotMapFrom refreshes the slot map, trying hintAddr first (the
// node that issued the redirect prompting this refresh, if any) and
// otherwise working through topology.SelectRefreshTarget's randomized,
// connected-preferring, throttled scan (spec.md §4.6.1).
func (c *Cluster) updateSlotMapFrom(hintAddr string) error {
	c.mu.Lock()
	if c.refreshing || time.Since(c.lastRefresh) < c.opts.RefreshThrottle {
		c.mu.Unlock()
		return nil
	}
	c.refreshing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.lastRefresh = time.Now()
		c.mu.Unlock()
	}()

	tried := make(map[string]bool)

	if hintAddr != "" {
		tried[hintAddr] = true
		if reg, err := c.tryRefreshFrom(hintAddr); err == nil {
			c.store.Swap(reg)
			c.log.SlotMapUpdated(c.store.Version(), len(reg.Nodes))
			return nil
		}
	}

	var lastErr error
	for {
		target := topology.SelectRefreshTarget(c.store.Registry(), c.opts.RefreshThrottle, time.Now(), tried)
		if target == nil {
			break
		}
		tried[target.Addr] = true
		reg, err := c.tryRefreshFrom(target.Addr)
		if err != nil {
			lastErr = err
			continue
		}
		c.store.Swap(reg)
		c.log.SlotMapUpdated(c.store.Version(), len(reg.Nodes))
		return nil
	}
	if lastErr == nil {
		lastErr = clustererr.ErrSlotNotServed
	}
	return lastErr
}

// tryRefreshFrom stamps addr's node (if known to the current topology)
// with a fresh connection-attempt timestamp before fetching the topology
// from it, so both the hinted node and every node SelectRefreshTarget
// subsequently tries feed back into the throttle it reads.
func (c *Cluster) tryRefreshFrom(addr string) (*topology.Registry, error) {
	if node := c.store.Registry().Nodes[addr]; node != nil {
		node.RecordAttempt(time.Now())
	}
	return c.fetchTopology(addr)
}

// nodeForSlot returns the node that currently owns slot, or nil if the
// slot map has a gap (mid-reshard, or before the first successful
// refresh).
func (c *Cluster) nodeForSlot(slot int) *topology.Node {
	if slot < 0 {
		return c.anyNode()
	}
	return c.store.Registry().NodeForSlot(slot)
}

// anyNode picks an arbitrary primary, used for non-key-addressed commands.
func (c *Cluster) anyNode() *topology.Node {
	primaries := c.store.Registry().Primaries()
	if len(primaries) == 0 {
		return nil
	}
	return primaries[0]
}

// Close tears down every pooled connection, both the ad-hoc ones and
// those owned by the current topology's nodes.
func (c *Cluster) Close() {
	c.mu.Lock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
	c.mu.Unlock()

	for _, node := range c.store.Registry().Nodes {
		node.Close()
	}
}
