package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseClusterNodes builds a fresh Registry from a CLUSTER NODES reply
// (format B, spec.md §4.3): one line per node, space-separated fields.
// The host part of peerAddr substitutes for a node whose IP is empty (the
// "myself" line read over a connection whose peer is peerAddr); nodes
// flagged noaddr are skipped.
func ParseClusterNodes(body string, parseReplicas bool, peerAddr string) (*Registry, error) {
	reg := newRegistry()
	replicaOf := make(map[*Node]string) // replica -> master-id, resolved after all lines parsed
	byID := make(map[string]*Node)

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("topology: malformed CLUSTER NODES line %q", line)
		}

		id := fields[0]
		addrField := fields[1]
		flagsField := fields[2]
		masterID := fields[3]
		linkState := fields[7]

		flags := strings.Split(flagsField, ",")
		isMyself := false
		role := RoleUnknown
		failed := false
		noaddr := false
		for _, f := range flags {
			switch f {
			case "myself":
				isMyself = true
			case "master":
				role = RolePrimary
			case "slave", "replica":
				role = RoleReplica
			case "fail", "fail?":
				failed = true
			case "noaddr":
				noaddr = true
			}
		}
		_ = isMyself
		_ = linkState

		addr := addrField
		// strip "@cport[,hostname]" (legacy lines lack it entirely)
		if at := strings.IndexByte(addr, '@'); at >= 0 {
			addr = addr[:at]
		}
		if comma := strings.IndexByte(addr, ','); comma >= 0 {
			addr = addr[:comma]
		}
		if addr == "" || noaddr {
			// noaddr node: skipped entirely, per spec.md §4.3
			continue
		}
		if strings.HasPrefix(addr, ":") {
			if peerAddr == "" {
				return nil, fmt.Errorf("topology: empty-IP node line with no peer address to substitute")
			}
			peerHost := peerAddr
			if idx := strings.LastIndexByte(peerAddr, ':'); idx >= 0 {
				peerHost = peerAddr[:idx]
			}
			addr = peerHost + addr
		}

		host, portStr := "", ""
		if idx := strings.LastIndexByte(addr, ':'); idx >= 0 {
			host, portStr = addr[:idx], addr[idx+1:]
		}
		port, err := strconv.Atoi(portStr)
		if host == "" || err != nil {
			return nil, fmt.Errorf("topology: invalid node address %q", addrField)
		}

		n, exists := reg.Nodes[addr]
		if !exists {
			n = NewNode(addr)
			reg.Nodes[addr] = n
		}
		n.Name = id
		n.Host, n.Port = host, port
		n.Role = role
		byID[id] = n

		if role == RolePrimary && !failed {
			for _, tok := range fields[8:] {
				sr, isRange, err := parseSlotToken(tok, n)
				if err != nil {
					return nil, err
				}
				if isRange {
					n.SlotRanges = append(n.SlotRanges, sr)
				}
			}
		}
		// "fail" primaries keep no slot ranges, per spec.md §4.3.

		if role == RoleReplica && masterID != "-" {
			replicaOf[n] = masterID
		}
	}

	if parseReplicas {
		for replica, masterID := range replicaOf {
			if master, ok := byID[masterID]; ok && master.Role == RolePrimary {
				master.Replicas = append(master.Replicas, replica)
			}
		}
	} else {
		// replicas are still in the registry per spec.md §4.4 step 1's
		// "kept in the registry" rule, but drop the linkage work above.
	}

	if err := buildTable(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// parseSlotToken parses one slot field: a bare integer, a "start-end"
// range, or a bracketed migration/import marker which is ignored.
func parseSlotToken(tok string, owner *Node) (SlotRange, bool, error) {
	if strings.HasPrefix(tok, "[") {
		return SlotRange{}, false, nil
	}
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		start, err1 := strconv.Atoi(tok[:dash])
		end, err2 := strconv.Atoi(tok[dash+1:])
		if err1 != nil || err2 != nil || start < 0 || end >= NumSlots || start > end {
			return SlotRange{}, false, fmt.Errorf("topology: malformed slot range token %q", tok)
		}
		return SlotRange{Start: start, End: end, Primary: owner}, true, nil
	}
	slot, err := strconv.Atoi(tok)
	if err != nil || slot < 0 || slot >= NumSlots {
		return SlotRange{}, false, fmt.Errorf("topology: malformed slot token %q", tok)
	}
	return SlotRange{Start: slot, End: slot, Primary: owner}, true, nil
}
