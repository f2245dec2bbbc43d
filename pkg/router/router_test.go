package router

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/clusterkv/clustercore/pkg/clusterconfig"
	"github.com/clusterkv/clustercore/pkg/resp"
)

// fakeServer is a minimal scripted RESP server used to drive the sync
// engine's redirect state machine end to end without a real cluster.
type fakeServer struct {
	ln      net.Listener
	addr    string
	host    string
	port    int
	handler func(args []string) *resp.Reply
}

func startFakeServer(t *testing.T, handler func(args []string) *resp.Reply) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	fs := &fakeServer{ln: ln, addr: ln.Addr().String(), host: host, port: port, handler: handler}
	go fs.serve()
	t.Cleanup(func() { fs.ln.Close() })
	return fs
}

func (fs *fakeServer) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handleConn(conn)
	}
}

func (fs *fakeServer) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := resp.NewReader()
	buf := make([]byte, 4096)
	for {
		for {
			rep, perr := reader.GetReply()
			if perr != nil {
				return
			}
			if rep == nil {
				break
			}
			args := make([]string, len(rep.Array))
			for i, e := range rep.Array {
				args[i] = e.Str
			}
			out := fs.handler(args)
			if out == nil {
				continue
			}
			if _, err := conn.Write(out.Encode()); err != nil {
				return
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// fullRangeSlots builds a CLUSTER SLOTS reply covering every slot with a
// single primary at host:port.
func fullRangeSlots(host string, port int) *resp.Reply {
	return &resp.Reply{Type: resp.TypeArray, Array: []*resp.Reply{
		{Type: resp.TypeArray, Array: []*resp.Reply{
			{Type: resp.TypeInteger, Int: 0},
			{Type: resp.TypeInteger, Int: 16383},
			{Type: resp.TypeArray, Array: []*resp.Reply{
				{Type: resp.TypeBulkString, Str: host},
				{Type: resp.TypeInteger, Int: int64(port)},
				{Type: resp.TypeBulkString, Str: "node-" + strconv.Itoa(port)},
			}},
		}},
	}}
}

func ok() *resp.Reply { return &resp.Reply{Type: resp.TypeSimpleString, Str: "OK"} }

func bulk(s string) *resp.Reply { return &resp.Reply{Type: resp.TypeBulkString, Str: s} }

func errReply(msg string) *resp.Reply { return &resp.Reply{Type: resp.TypeError, Str: msg} }

func newTestCluster(addr string) *Cluster {
	opts := clusterconfig.Default()
	opts.InitialNodes = []string{addr}
	opts.ConnectTimeout = time.Second
	opts.CommandTimeout = time.Second
	opts.MaxRetry = 5
	opts.RefreshThrottle = time.Hour // keep background refreshes from racing the test
	return New(opts, nil)
}

func TestBasicRoute(t *testing.T) {
	fs := startFakeServer(t, nil)
	fs.handler = func(args []string) *resp.Reply {
		if len(args) >= 2 && args[0] == "CLUSTER" && args[1] == "SLOTS" {
			return fullRangeSlots(fs.host, fs.port)
		}
		return ok()
	}

	c := newTestCluster(fs.addr)
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := NewSyncEngine(c)
	rep, err := e.Command("SET", "foo", "bar")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rep.Str != "OK" {
		t.Fatalf("unexpected reply: %+v", rep)
	}
}

func TestMovedRedirect(t *testing.T) {
	var b *fakeServer
	a := startFakeServer(t, nil)
	b = startFakeServer(t, func(args []string) *resp.Reply {
		if len(args) >= 1 && args[0] == "GET" {
			return bulk("bar")
		}
		return ok()
	})
	a.handler = func(args []string) *resp.Reply {
		if len(args) >= 2 && args[0] == "CLUSTER" && args[1] == "SLOTS" {
			return fullRangeSlots(a.host, a.port)
		}
		if len(args) >= 1 && args[0] == "GET" {
			return errReply("MOVED 12182 " + b.addr)
		}
		return ok()
	}

	c := newTestCluster(a.addr)
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := NewSyncEngine(c)
	rep, err := e.Command("GET", "foo")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rep.Str != "bar" {
		t.Fatalf("expected redirect to reach node B, got %+v", rep)
	}
}

func TestAskRedirect(t *testing.T) {
	var b *fakeServer
	a := startFakeServer(t, nil)
	b = startFakeServer(t, func(args []string) *resp.Reply {
		if len(args) >= 1 && args[0] == "ASKING" {
			return ok()
		}
		if len(args) >= 1 && args[0] == "GET" {
			return bulk("baz")
		}
		return ok()
	})
	a.handler = func(args []string) *resp.Reply {
		if len(args) >= 2 && args[0] == "CLUSTER" && args[1] == "SLOTS" {
			return fullRangeSlots(a.host, a.port)
		}
		if len(args) >= 1 && args[0] == "GET" {
			return errReply("ASK 12182 " + b.addr)
		}
		return ok()
	}

	c := newTestCluster(a.addr)
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := NewSyncEngine(c)
	rep, err := e.Command("GET", "foo")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if rep.Str != "baz" {
		t.Fatalf("expected ASK-followed reply, got %+v", rep)
	}
}

func TestRetryBudgetExceeded(t *testing.T) {
	a := startFakeServer(t, nil)
	a.handler = func(args []string) *resp.Reply {
		if len(args) >= 2 && args[0] == "CLUSTER" && args[1] == "SLOTS" {
			return fullRangeSlots(a.host, a.port)
		}
		return errReply("TRYAGAIN")
	}

	c := newTestCluster(a.addr)
	c.opts.MaxRetry = 3
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := NewSyncEngine(c)
	_, err := e.Command("GET", "foo")
	if err == nil {
		t.Fatalf("expected retry budget to be exceeded")
	}
	if !strings.Contains(err.Error(), "retries") && !strings.Contains(err.Error(), "retry") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHashTagRoutesSharedSlot(t *testing.T) {
	a := startFakeServer(t, nil)
	a.handler = func(args []string) *resp.Reply {
		if len(args) >= 2 && args[0] == "CLUSTER" && args[1] == "SLOTS" {
			return fullRangeSlots(a.host, a.port)
		}
		return ok()
	}
	c := newTestCluster(a.addr)
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if s1, s2 := NewCommand("SET", "{user1000}.name", "x").Slot, NewCommand("SET", "{user1000}.age", "30").Slot; s1 != s2 {
		t.Fatalf("hash-tagged keys tagged with different slots: %d != %d", s1, s2)
	}
	e := NewSyncEngine(c)
	if _, err := e.Command("SET", "{user1000}.name", "x"); err != nil {
		t.Fatalf("command: %v", err)
	}
	if _, err := e.Command("SET", "{user1000}.age", "30"); err != nil {
		t.Fatalf("command: %v", err)
	}
}
