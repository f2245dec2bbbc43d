package topology

import (
	"sync/atomic"
)

// Registry is one complete, immutable-once-built snapshot of the cluster
// topology: every known node (by "host:port") and the 16384-entry
// slot-to-node table built from their slot ranges. Non-primary nodes (no
// slot ranges) are kept in Nodes but are never installed into Table.
type Registry struct {
	Nodes map[string]*Node
	Table [NumSlots]*Node
}

func newRegistry() *Registry {
	return &Registry{Nodes: make(map[string]*Node)}
}

// NodeForSlot returns the primary owning slot, or nil if unserved.
func (r *Registry) NodeForSlot(slot int) *Node {
	if slot < 0 || slot >= NumSlots {
		return nil
	}
	return r.Table[slot]
}

// Primaries returns every primary node, in map iteration order (insertion
// order is irrelevant to correctness per spec.md §3).
func (r *Registry) Primaries() []*Node {
	out := make([]*Node, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		if n.Role == RolePrimary {
			out = append(out, n)
		}
	}
	return out
}

// EventKind enumerates the events a Store fires.
type EventKind int

const (
	EventSlotMapUpdated EventKind = iota
	EventReady
	EventFreeContext
)

// EventCallback receives topology lifecycle events.
type EventCallback func(kind EventKind)

// Store holds the currently-active Registry behind an atomic pointer plus
// the monotonic routing version, and performs the atomic replace-and-steal
// swap procedure described in spec.md §4.4.
type Store struct {
	current atomic.Pointer[Registry]
	version atomic.Uint64
	OnEvent EventCallback
}

// NewStore returns an empty Store (no registry installed yet; Version()
// is 0 and NodeForSlot panics-free but returns nil for every slot until
// the first Swap).
func NewStore() *Store {
	s := &Store{}
	s.current.Store(newRegistry())
	return s
}

// Registry returns the currently-active snapshot. Safe for concurrent use;
// a caller that reads it once sees a consistent view even if a concurrent
// Swap installs a newer one (spec.md §4.4's atomicity guarantee).
func (s *Store) Registry() *Registry { return s.current.Load() }

// Version returns the current routing version.
func (s *Store) Version() uint64 { return s.version.Load() }

// Swap installs next as the active registry, following the ordered
// procedure from spec.md §4.4:
//  1. (caller already built next)
//  2. steal connections from matching old primaries
//  3. install Table pointer then Nodes pointer (done atomically as one
//     Registry value here, which is equivalent: readers either see the
//     whole old Registry or the whole new one, never a mix)
//  4. increment routing version
//  5. close the connections of every old primary that is not a primary
//     in `next` (closeOrphans); stolen connections are no longer owned by
//     old and stay open (closing drains pending callbacks with a null
//     reply at the transport layer)
//  6. fire slotmap-updated, and ready on the very first successful update
//  7. (need-update-route is owned by the caller, e.g. router.Cluster)
func (s *Store) Swap(next *Registry) {
	old := s.current.Load()
	for _, newNode := range next.Nodes {
		if newNode.Role != RolePrimary {
			continue
		}
		if oldNode, ok := old.Nodes[newNode.Addr]; ok && oldNode.Role == RolePrimary {
			newNode.stealConnectionsFrom(oldNode)
		}
	}

	s.current.Store(next)
	v := s.version.Add(1)

	closeOrphans(old, next)

	s.fire(EventSlotMapUpdated)
	if v == 1 {
		s.fire(EventReady)
	}
}

// UpdateSlot patches the single-slot table entry for slot to point at the
// primary addressed by addr, without a full topology refresh. This backs
// the immediate single-slot rewrite spec.md §4.5 step 6 requires on a MOVED
// redirect ("update table[slot] in place"), distinct from Swap's full
// atomic replace-and-steal procedure: it neither bumps the routing version
// nor fires events, since it's a local correction the next background
// refresh will confirm or supersede. If addr names a node not yet present
// in the registry (a MOVED target ahead of the next refresh), a bare
// primary placeholder is created for it.
func (s *Store) UpdateSlot(slot int, addr string) *Node {
	if slot < 0 || slot >= NumSlots {
		return nil
	}
	cur := s.current.Load()
	node, ok := cur.Nodes[addr]
	nodes := cur.Nodes
	if !ok {
		node = NewNode(addr)
		node.Role = RolePrimary
		nodes = make(map[string]*Node, len(cur.Nodes)+1)
		for k, v := range cur.Nodes {
			nodes[k] = v
		}
		nodes[addr] = node
	}
	next := &Registry{Nodes: nodes, Table: cur.Table}
	next.Table[slot] = node
	s.current.Store(next)
	return node
}

// closeOrphans tears down connections on any old primary not present (as
// a primary) in next -- it was removed from topology.
func closeOrphans(old, next *Registry) {
	for addr, oldNode := range old.Nodes {
		if oldNode.Role != RolePrimary {
			continue
		}
		if newNode, ok := next.Nodes[addr]; ok && newNode.Role == RolePrimary {
			continue
		}
		oldNode.Close()
	}
}

func (s *Store) fire(kind EventKind) {
	if s.OnEvent != nil {
		s.OnEvent(kind)
	}
}
