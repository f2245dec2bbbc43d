// Package topology owns the node registry and slot-to-node routing table:
// parsing the two CLUSTER topology reply formats, building a fresh
// registry+table pair, and swapping it into place atomically while
// preserving live connections across the swap.
package topology

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Role classifies a Node within the cluster.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
)

// NumSlots is the fixed size of the cluster keyspace.
const NumSlots = 16384

// SlotRange is a closed [Start, End] range of slots owned by Primary.
type SlotRange struct {
	Start, End int
	Primary    *Node
}

// Contains reports whether slot falls within the range.
func (sr SlotRange) Contains(slot int) bool {
	return slot >= sr.Start && slot <= sr.End
}

// Conn is the minimal connection handle a Node owns; transport.Conn and
// transport.AsyncConn both satisfy it. Kept minimal here so topology does
// not import transport.
type Conn interface {
	Close() error
}

// Node represents one server process: either a primary carrying slot
// ranges and (optionally) replicas, or a replica nested under a primary.
// Replicas are never independently dispatchable -- only primaries appear
// in the slot table.
type Node struct {
	mu sync.Mutex

	Name string // opaque cluster-assigned identity, may be ""
	Addr string // "host:port", the registry's dictionary key
	Host string
	Port int
	Role Role

	FailureCount         int
	LastConnectionAttempt time.Time

	SlotRanges []SlotRange
	Replicas   []*Node

	blockingConn Conn
	asyncConn    Conn
}

// NewNode builds a Node for addr, splitting it into Host/Port.
func NewNode(addr string) *Node {
	n := &Node{Addr: addr}
	n.Host, n.Port = splitHostPort(addr)
	return n
}

func splitHostPort(addr string) (string, int) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return addr, 0
	}
	host := addr[:idx]
	port, _ := strconv.Atoi(addr[idx+1:])
	return host, port
}

// BlockingConn returns the owned blocking connection handle, if any.
func (n *Node) BlockingConn() Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blockingConn
}

// SetBlockingConn installs a new owned blocking connection handle,
// closing any previous one first.
func (n *Node) SetBlockingConn(c Conn) {
	n.mu.Lock()
	prev := n.blockingConn
	n.blockingConn = c
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// AsyncConn returns the owned non-blocking connection handle, if any.
func (n *Node) AsyncConn() Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.asyncConn
}

// SetAsyncConn installs a new owned non-blocking connection handle,
// closing any previous one first.
func (n *Node) SetAsyncConn(c Conn) {
	n.mu.Lock()
	prev := n.asyncConn
	n.asyncConn = c
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// stealConnectionsFrom transfers old's owned connection handles to n
// without closing them, so in-flight connections survive a topology
// refresh (spec.md §4.4 step 2).
func (n *Node) stealConnectionsFrom(old *Node) {
	old.mu.Lock()
	bc, ac := old.blockingConn, old.asyncConn
	old.blockingConn, old.asyncConn = nil, nil
	old.mu.Unlock()

	n.mu.Lock()
	n.blockingConn, n.asyncConn = bc, ac
	n.mu.Unlock()
}

// ClearBlockingConnIfCurrent removes old as the owned blocking connection
// handle only if it is still current, leaving a concurrently-installed
// replacement untouched. The caller is responsible for closing old itself
// (mirrors topology.Conn's other callers, which already own that step).
func (n *Node) ClearBlockingConnIfCurrent(old Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blockingConn != old {
		return false
	}
	n.blockingConn = nil
	return true
}

// Close tears down both owned connection handles. Closing a node closes
// its connections (spec.md §3's ownership rule).
func (n *Node) Close() {
	n.mu.Lock()
	bc, ac := n.blockingConn, n.asyncConn
	n.blockingConn, n.asyncConn = nil, nil
	n.mu.Unlock()
	if bc != nil {
		bc.Close()
	}
	if ac != nil {
		ac.Close()
	}
}

// RecordAttempt stamps LastConnectionAttempt with now. SelectRefreshTarget
// reads it to throttle background slot-map refresh target selection;
// reconnects are stamped but not throttled by it.
func (n *Node) RecordAttempt(now time.Time) {
	n.mu.Lock()
	n.LastConnectionAttempt = now
	n.mu.Unlock()
}

// LastAttempt returns the timestamp of the most recent RecordAttempt call,
// the zero time if none has happened yet.
func (n *Node) LastAttempt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.LastConnectionAttempt
}

// Connected reports whether this node currently owns a live connection
// handle (blocking or async), used to prefer already-connected nodes when
// picking a background slot-map refresh target (spec.md §4.6.1).
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blockingConn != nil || n.asyncConn != nil
}

// RecordFailure increments the consecutive connect/reply failure counter
// (spec.md §3).
func (n *Node) RecordFailure() {
	n.mu.Lock()
	n.FailureCount++
	n.mu.Unlock()
}

// ResetFailureCount clears the consecutive failure counter after a
// successful connect or reply.
func (n *Node) ResetFailureCount() {
	n.mu.Lock()
	n.FailureCount = 0
	n.mu.Unlock()
}
