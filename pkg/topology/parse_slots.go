package topology

import (
	"fmt"

	"github.com/clusterkv/clustercore/pkg/resp"
)

// ParseClusterSlots builds a fresh Registry from a CLUSTER SLOTS reply
// (format A, spec.md §4.3): an outer array whose elements are
// [startSlot, endSlot, primaryTriple, replicaTriple...], each triple being
// [host, port, nodeID, ...metadata].
func ParseClusterSlots(reply *resp.Reply, parseReplicas bool) (*Registry, error) {
	if reply == nil || reply.Type != resp.TypeArray {
		return nil, fmt.Errorf("topology: CLUSTER SLOTS reply is not an array")
	}

	reg := newRegistry()

	for _, entry := range reply.Array {
		if entry == nil || entry.Type != resp.TypeArray || len(entry.Array) < 3 {
			return nil, fmt.Errorf("topology: malformed slot range entry")
		}
		start, ok1 := asInt(entry.Array[0])
		end, ok2 := asInt(entry.Array[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("topology: slot range bounds are not integers")
		}
		if start < 0 || end >= NumSlots || start > end {
			return nil, fmt.Errorf("topology: malformed slot range [%d,%d]", start, end)
		}

		primaryDesc := entry.Array[2]
		primary, err := resolveNode(reg, primaryDesc)
		if err != nil {
			return nil, err
		}
		if primary.Role == RoleUnknown {
			primary.Role = RolePrimary
		}

		if err := addSlotRange(primary, SlotRange{Start: start, End: end, Primary: primary}); err != nil {
			return nil, err
		}

		if parseReplicas {
			for _, r := range entry.Array[3:] {
				replica, err := resolveNode(reg, r)
				if err != nil {
					return nil, err
				}
				replica.Role = RoleReplica
				primary.Replicas = append(primary.Replicas, replica)
			}
		}
	}

	if err := buildTable(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// resolveNode looks up or creates the Node described by a [host, port,
// id, ...] sub-array, keyed by "host:port".
func resolveNode(reg *Registry, desc *resp.Reply) (*Node, error) {
	if desc == nil || desc.Type != resp.TypeArray || len(desc.Array) < 2 {
		return nil, fmt.Errorf("topology: malformed node descriptor")
	}
	host := desc.Array[0].Str
	port, ok := asInt(desc.Array[1])
	if !ok || host == "" {
		return nil, fmt.Errorf("topology: malformed node address")
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	if n, ok := reg.Nodes[addr]; ok {
		return n, nil
	}
	n := NewNode(addr)
	if len(desc.Array) >= 3 && desc.Array[2] != nil {
		n.Name = desc.Array[2].Str
	}
	reg.Nodes[addr] = n
	return n, nil
}

func asInt(r *resp.Reply) (int, bool) {
	if r == nil {
		return 0, false
	}
	if r.Type == resp.TypeInteger {
		return int(r.Int), true
	}
	return 0, false
}

// addSlotRange appends sr to primary's slot list. It does not look for
// conflicting claims; buildTable rejects a slot claimed by two different
// primaries once every range has been collected.
func addSlotRange(primary *Node, sr SlotRange) error {
	primary.SlotRanges = append(primary.SlotRanges, sr)
	return nil
}

// buildTable installs every primary's slot ranges into reg.Table,
// failing (by returning via panic-free error collection upstream) if two
// primaries claim the same slot.
func buildTable(reg *Registry) error {
	for _, n := range reg.Nodes {
		if n.Role != RolePrimary {
			continue
		}
		for _, sr := range n.SlotRanges {
			for s := sr.Start; s <= sr.End; s++ {
				if existing := reg.Table[s]; existing != nil && existing != n {
					return fmt.Errorf("topology: slot %d claimed by both %s and %s", s, existing.Addr, n.Addr)
				}
				reg.Table[s] = n
			}
		}
	}
	return nil
}
