package topology

// Iterator safely traverses a Store's node registry. If the routing
// version changes mid-traversal it restarts exactly once against the new
// registry, then stops after the restart to guarantee termination
// (spec.md §4.7, §8).
type Iterator struct {
	store     *Store
	version   uint64
	nodes     []*Node
	idx       int
	restarted bool
}

// NewIterator snapshots the current routing version and node list.
func NewIterator(store *Store) *Iterator {
	it := &Iterator{store: store}
	it.reset()
	return it
}

func (it *Iterator) reset() {
	reg := it.store.Registry()
	it.version = it.store.Version()
	it.nodes = make([]*Node, 0, len(reg.Nodes))
	for _, n := range reg.Nodes {
		it.nodes = append(it.nodes, n)
	}
	it.idx = 0
}

// Next returns the next node, or nil once exhausted (after at most one
// restart).
func (it *Iterator) Next() *Node {
	for {
		if it.idx >= len(it.nodes) {
			if it.restarted || it.store.Version() == it.version {
				return nil
			}
			it.restarted = true
			it.reset()
			continue
		}
		n := it.nodes[it.idx]
		it.idx++
		if it.store.Version() != it.version && !it.restarted {
			it.restarted = true
			it.reset()
			continue
		}
		return n
	}
}
