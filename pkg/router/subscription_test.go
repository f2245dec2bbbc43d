package router

import (
	"net"
	"testing"
	"time"

	"github.com/clusterkv/clustercore/pkg/resp"
)

// startPubsubServer accepts one connection, acknowledges SUBSCRIBE for each
// requested channel, then pushes one message per channel shortly after.
func startPubsubServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := resp.NewReader()
		buf := make([]byte, 4096)
		for {
			rep, perr := reader.GetReply()
			if perr != nil {
				return
			}
			if rep == nil {
				n, err := conn.Read(buf)
				if n > 0 {
					reader.Feed(buf[:n])
				}
				if err != nil {
					return
				}
				continue
			}
			if len(rep.Array) == 0 {
				continue
			}
			if rep.Array[0].Str != "SUBSCRIBE" {
				continue
			}
			for _, chArg := range rep.Array[1:] {
				ch := chArg.Str
				ack := &resp.Reply{Type: resp.TypeArray, Array: []*resp.Reply{
					{Type: resp.TypeBulkString, Str: "subscribe"},
					{Type: resp.TypeBulkString, Str: ch},
					{Type: resp.TypeInteger, Int: 1},
				}}
				conn.Write(ack.Encode())
				msg := &resp.Reply{Type: resp.TypeArray, Array: []*resp.Reply{
					{Type: resp.TypeBulkString, Str: "message"},
					{Type: resp.TypeBulkString, Str: ch},
					{Type: resp.TypeBulkString, Str: "hello-" + ch},
				}}
				conn.Write(msg.Encode())
			}
		}
	}()
	return ln.Addr().String()
}

func TestSubscriptionDeliversMessageAndAck(t *testing.T) {
	addr := startPubsubServer(t)

	sub, err := NewSubscription(addr, time.Second, nil, testLoopFactory, "", "", nil)
	if err != nil {
		t.Fatalf("subscribe dial: %v", err)
	}
	defer sub.Close()

	ackCh := make(chan struct {
		kind    string
		channel string
		count   int
	}, 1)
	msgCh := make(chan struct{ channel, payload string }, 1)

	sub.Subscribe([]string{"news"},
		func(channel, payload string) { msgCh <- struct{ channel, payload string }{channel, payload} },
		func(kind, channel string, count int) {
			ackCh <- struct {
				kind    string
				channel string
				count   int
			}{kind, channel, count}
		})

	select {
	case a := <-ackCh:
		if a.kind != "subscribe" || a.channel != "news" {
			t.Fatalf("unexpected ack: %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe ack")
	}

	select {
	case m := <-msgCh:
		if m.channel != "news" || m.payload != "hello-news" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
