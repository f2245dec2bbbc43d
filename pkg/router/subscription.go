package router

import (
	"sync"
	"time"

	"github.com/clusterkv/clustercore/pkg/resp"
	"github.com/clusterkv/clustercore/pkg/transport"
)

// MessageCallback is invoked for every message delivered on a subscribed
// channel or matched pattern.
type MessageCallback func(channel, payload string)

// AckCallback is invoked once per channel/pattern named in a
// Subscribe/Unsubscribe/PSubscribe/PUnsubscribe call, in the order the
// server confirms them, carrying the kind ("subscribe", "unsubscribe",
// "psubscribe", "punsubscribe") and the server's reported subscription
// count. Monitor also uses it, once, with kind "monitor", an empty
// channel and a count of 0.
type AckCallback func(kind, channel string, count int)

// pendingAck is one outstanding (un)subscribe confirmation.
type pendingAck struct {
	cb AckCallback
}

// MonitorCallback is invoked once per streamed command line while this
// connection is in monitor mode (spec.md §4.8's "re-queues its callback
// for every streamed event"); it keeps firing, one call per line, until
// the connection is closed -- there is no UNMONITOR.
type MonitorCallback func(line string)

// Subscription is a dedicated connection pinned to a single node for
// publish/subscribe traffic. Unlike regular commands, pushed messages
// arrive unsolicited and are dispatched by channel/pattern name rather
// than by FIFO position; only the (un)subscribe acknowledgements
// themselves are FIFO-ordered (spec.md §4.8). The same connection can
// instead (or additionally) run in monitor mode, a third pseudo-channel
// streaming every command line the server executes.
type Subscription struct {
	ac *transport.AsyncConn

	mu                sync.Mutex
	acks              []pendingAck
	channels          map[string]MessageCallback
	patterns          map[string]MessageCallback
	onTeardown        func(error)
	authPending       bool
	monitorCB         MonitorCallback
	monitorAckPending bool
}

// NewSubscription dials addr and wires a fresh pub/sub-only connection. If
// password is non-empty, an AUTH pre-flight is queued ahead of anything
// else the caller sends (spec.md §4.6 step 4, §4.8).
func NewSubscription(addr string, connectTimeout time.Duration, tls transport.TLSDialer, loopFactory func(*transport.AsyncConn) transport.EventLoop, username, password string, onTeardown func(error)) (*Subscription, error) {
	ac, err := transport.NewAsyncConn(addr, connectTimeout, tls, loopFactory)
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		ac:         ac,
		channels:   make(map[string]MessageCallback),
		patterns:   make(map[string]MessageCallback),
		onTeardown: onTeardown,
	}
	ac.OnReadable = s.onReadable
	ac.OnTeardown = func(status error) {
		if s.onTeardown != nil {
			s.onTeardown(status)
		}
	}
	if password != "" {
		s.authPending = true
		if username != "" {
			ac.Enqueue(resp.FormatCommand("AUTH", username, password))
		} else {
			ac.Enqueue(resp.FormatCommand("AUTH", password))
		}
	}
	return s, nil
}

// Monitor puts the connection into monitor mode: cb fires once per
// streamed command line until the connection closes, and ack fires once
// for the server's initial +OK.
func (s *Subscription) Monitor(cb MonitorCallback, ack AckCallback) {
	s.mu.Lock()
	s.monitorCB = cb
	s.monitorAckPending = true
	s.acks = append(s.acks, pendingAck{cb: ack})
	s.mu.Unlock()
	s.ac.Enqueue(resp.FormatCommand("MONITOR"))
}

// Subscribe subscribes to channels, registering cb for every message
// delivered on any of them and ack for each channel's confirmation.
func (s *Subscription) Subscribe(channels []string, cb MessageCallback, ack AckCallback) {
	s.mu.Lock()
	for _, ch := range channels {
		s.channels[ch] = cb
		s.acks = append(s.acks, pendingAck{cb: ack})
	}
	s.mu.Unlock()
	args := append([]string{"SUBSCRIBE"}, channels...)
	s.ac.Enqueue(resp.FormatCommand(args...))
}

// Unsubscribe unsubscribes from channels (or, if channels is empty, every
// channel currently subscribed).
func (s *Subscription) Unsubscribe(channels []string, ack AckCallback) {
	s.mu.Lock()
	if len(channels) == 0 {
		for ch := range s.channels {
			channels = append(channels, ch)
		}
	}
	for range channels {
		s.acks = append(s.acks, pendingAck{cb: ack})
	}
	s.mu.Unlock()
	args := append([]string{"UNSUBSCRIBE"}, channels...)
	s.ac.Enqueue(resp.FormatCommand(args...))
}

// PSubscribe pattern-subscribes, registering cb for every message whose
// channel matches any of patterns.
func (s *Subscription) PSubscribe(patterns []string, cb MessageCallback, ack AckCallback) {
	s.mu.Lock()
	for _, p := range patterns {
		s.patterns[p] = cb
		s.acks = append(s.acks, pendingAck{cb: ack})
	}
	s.mu.Unlock()
	args := append([]string{"PSUBSCRIBE"}, patterns...)
	s.ac.Enqueue(resp.FormatCommand(args...))
}

// PUnsubscribe cancels pattern subscriptions.
func (s *Subscription) PUnsubscribe(patterns []string, ack AckCallback) {
	s.mu.Lock()
	if len(patterns) == 0 {
		for p := range s.patterns {
			patterns = append(patterns, p)
		}
	}
	for range patterns {
		s.acks = append(s.acks, pendingAck{cb: ack})
	}
	s.mu.Unlock()
	args := append([]string{"PUNSUBSCRIBE"}, patterns...)
	s.ac.Enqueue(resp.FormatCommand(args...))
}

// onReadable classifies every push this connection receives: a message
// dispatches by channel/pattern, anything else is treated as the next
// pending (un)subscribe acknowledgement.
func (s *Subscription) onReadable(rep *resp.Reply, err error) {
	if err != nil {
		return
	}

	s.mu.Lock()
	authPending := s.authPending
	s.authPending = false
	s.mu.Unlock()
	if authPending {
		if rep.IsError() {
			s.ac.Disconnect()
		}
		return
	}

	s.mu.Lock()
	monitorAckPending := s.monitorAckPending
	s.monitorAckPending = false
	monitorCB := s.monitorCB
	s.mu.Unlock()
	if monitorAckPending && rep.Type != resp.TypeArray {
		s.mu.Lock()
		var ack pendingAck
		if len(s.acks) > 0 {
			ack = s.acks[0]
			s.acks = s.acks[1:]
		}
		s.mu.Unlock()
		if ack.cb != nil {
			ack.cb("monitor", "", 0)
		}
		return
	}
	if monitorCB != nil && rep.Type == resp.TypeSimpleString {
		monitorCB(rep.Str)
		return
	}

	elems := rep.Elements()
	if len(elems) < 2 {
		return
	}
	kind := elems[0].Str
	switch kind {
	case "message":
		if len(elems) < 3 {
			return
		}
		s.mu.Lock()
		cb := s.channels[elems[1].Str]
		s.mu.Unlock()
		if cb != nil {
			cb(elems[1].Str, elems[2].Str)
		}
	case "pmessage":
		if len(elems) < 4 {
			return
		}
		s.mu.Lock()
		cb := s.patterns[elems[1].Str]
		s.mu.Unlock()
		if cb != nil {
			cb(elems[2].Str, elems[3].Str)
		}
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		channel := elems[1].Str
		count := 0
		if len(elems) >= 3 {
			count = int(elems[2].Int)
		}
		if kind == "unsubscribe" {
			s.mu.Lock()
			delete(s.channels, channel)
			s.mu.Unlock()
		}
		if kind == "punsubscribe" {
			s.mu.Lock()
			delete(s.patterns, channel)
			s.mu.Unlock()
		}
		s.mu.Lock()
		var ack pendingAck
		if len(s.acks) > 0 {
			ack = s.acks[0]
			s.acks = s.acks[1:]
		}
		s.mu.Unlock()
		if ack.cb != nil {
			ack.cb(kind, channel, count)
		}
	}
}

// Close tears down the pub/sub connection.
func (s *Subscription) Close() error {
	s.ac.Free()
	return nil
}
