package topology

import (
	"testing"

	"github.com/clusterkv/clustercore/pkg/resp"
)

func slotsReply(ranges [][3]int, addrs []string) *resp.Reply {
	out := &resp.Reply{Type: resp.TypeArray}
	for i, rg := range ranges {
		host := "127.0.0.1"
		port := addrs[i]
		_ = host
		entry := &resp.Reply{Type: resp.TypeArray, Array: []*resp.Reply{
			{Type: resp.TypeInteger, Int: int64(rg[0])},
			{Type: resp.TypeInteger, Int: int64(rg[1])},
			{Type: resp.TypeArray, Array: []*resp.Reply{
				{Type: resp.TypeBulkString, Str: "127.0.0.1"},
				{Type: resp.TypeInteger, Int: int64(rg[2])},
				{Type: resp.TypeBulkString, Str: port},
			}},
		}}
		out.Array = append(out.Array, entry)
	}
	return out
}

func TestParseClusterSlotsBasic(t *testing.T) {
	reply := slotsReply([][3]int{
		{0, 5460, 30001},
		{5461, 10922, 30002},
		{10923, 16383, 30003},
	}, []string{"id1", "id2", "id3"})

	reg, err := ParseClusterSlots(reply, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reg.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(reg.Nodes))
	}
	n := reg.NodeForSlot(12182)
	if n == nil || n.Addr != "127.0.0.1:30003" {
		t.Fatalf("slot 12182 routed to %+v, want node 3", n)
	}
	for s := 0; s < NumSlots; s++ {
		if reg.Table[s] == nil {
			t.Fatalf("slot %d unserved", s)
		}
	}
}

func TestParseClusterSlotsConflictErrors(t *testing.T) {
	reply := &resp.Reply{Type: resp.TypeArray, Array: []*resp.Reply{
		{Type: resp.TypeArray, Array: []*resp.Reply{
			{Type: resp.TypeInteger, Int: 0},
			{Type: resp.TypeInteger, Int: 100},
			{Type: resp.TypeArray, Array: []*resp.Reply{
				{Type: resp.TypeBulkString, Str: "127.0.0.1"},
				{Type: resp.TypeInteger, Int: 30001},
			}},
		}},
		{Type: resp.TypeArray, Array: []*resp.Reply{
			{Type: resp.TypeInteger, Int: 50},
			{Type: resp.TypeInteger, Int: 150},
			{Type: resp.TypeArray, Array: []*resp.Reply{
				{Type: resp.TypeBulkString, Str: "127.0.0.1"},
				{Type: resp.TypeInteger, Int: 30002},
			}},
		}},
	}}
	if _, err := ParseClusterSlots(reply, false); err == nil {
		t.Fatalf("expected conflicting slot claim to error")
	}
}

func TestParseClusterNodesBasic(t *testing.T) {
	body := "" +
		"07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@40001 myself,master - 0 0 1 connected 0-5460\n" +
		"67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@40002 master - 0 1426238316232 2 connected 5461-10922\n" +
		"292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 127.0.0.1:30003@40003 master - 0 1426238317232 3 connected 10923-16383\n"

	reg, err := ParseClusterNodes(body, false, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reg.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(reg.Nodes))
	}
	if n := reg.NodeForSlot(0); n == nil || n.Addr != "127.0.0.1:30001" {
		t.Fatalf("slot 0 -> %+v", n)
	}
}

func TestParseClusterNodesLegacyNoCPort(t *testing.T) {
	body := "id1 127.0.0.1:30001 myself,master - 0 0 1 connected 0-16383\n"
	reg, err := ParseClusterNodes(body, false, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := reg.Nodes["127.0.0.1:30001"]; !ok {
		t.Fatalf("legacy line not parsed into expected address key")
	}
}

func TestParseClusterNodesNoAddrSkipped(t *testing.T) {
	body := "id1 :0@0 master,noaddr - 0 0 1 connected\n" +
		"id2 127.0.0.1:30001@40001 myself,master - 0 0 1 connected 0-16383\n"
	reg, err := ParseClusterNodes(body, false, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reg.Nodes) != 1 {
		t.Fatalf("noaddr node should be skipped, got %d nodes", len(reg.Nodes))
	}
}

func TestParseClusterNodesFailedPrimaryKeepsNoSlots(t *testing.T) {
	body := "id1 127.0.0.1:30001@40001 myself,master,fail - 0 0 1 connected 0-16383\n"
	reg, err := ParseClusterNodes(body, false, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := reg.Nodes["127.0.0.1:30001"]
	if n == nil {
		t.Fatalf("node missing")
	}
	if len(n.SlotRanges) != 0 {
		t.Fatalf("failed primary should keep no slot ranges, got %+v", n.SlotRanges)
	}
}

func TestParseClusterNodesMigrationMarkerIgnored(t *testing.T) {
	body := "id1 127.0.0.1:30001@40001 myself,master - 0 0 1 connected 0-100 [200->-id2]\n"
	reg, err := ParseClusterNodes(body, false, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := reg.Nodes["127.0.0.1:30001"]
	if len(n.SlotRanges) != 1 || n.SlotRanges[0].End != 100 {
		t.Fatalf("unexpected slot ranges: %+v", n.SlotRanges)
	}
}

func TestStoreSwapMonotonicVersion(t *testing.T) {
	store := NewStore()
	if store.Version() != 0 {
		t.Fatalf("fresh store should be version 0")
	}
	reg1, _ := ParseClusterSlots(slotsReply([][3]int{{0, 16383, 30001}}, []string{"id1"}), false)
	store.Swap(reg1)
	if store.Version() != 1 {
		t.Fatalf("expected version 1, got %d", store.Version())
	}
	reg2, _ := ParseClusterSlots(slotsReply([][3]int{{0, 16383, 30001}}, []string{"id1"}), false)
	store.Swap(reg2)
	if store.Version() != 2 {
		t.Fatalf("expected version 2, got %d", store.Version())
	}
}

func TestIteratorRestartsOnceOnVersionChange(t *testing.T) {
	store := NewStore()
	reg1, _ := ParseClusterSlots(slotsReply([][3]int{{0, 16383, 30001}}, []string{"id1"}), false)
	store.Swap(reg1)

	it := NewIterator(store)
	n := it.Next()
	if n == nil {
		t.Fatalf("expected a node")
	}

	reg2, _ := ParseClusterSlots(slotsReply([][3]int{
		{0, 8191, 30001}, {8192, 16383, 30002},
	}, []string{"id1", "id2"}), false)
	store.Swap(reg2)

	seen := 0
	for it.Next() != nil {
		seen++
		if seen > 10 {
			t.Fatalf("iterator did not terminate after restart")
		}
	}
}
