// Package router ties topology, transport, and resp together into the
// cluster-aware request dispatch the rest of this module exists to
// provide: slot derivation, redirect-driven retry, throttled slot-map
// refresh, and both a blocking and a callback-driven request engine.
package router

import (
	"github.com/clusterkv/clustercore/pkg/hashing"
	"github.com/clusterkv/clustercore/pkg/resp"
)

// Command is one already-tokenized request. Args[0] is the command name;
// callers are responsible for turning their own typed values into
// strings before building a Command -- this package only derives the
// slot a command hashes to and formats the wire bytes, it does not offer
// a variadic-argument convenience builder.
type Command struct {
	Args []string
	Raw  []byte
	// Slot is the target slot, or -1 for commands that are not
	// key-addressed (PING, CLUSTER SLOTS, ...) and may be sent to any
	// node.
	Slot int
}

// NewCommand tags args with the slot its first key argument hashes to.
// By Redis Cluster convention the first key of most commands is the
// second argument; callers with a different key position should set
// Slot directly after construction.
func NewCommand(args ...string) *Command {
	c := &Command{Args: args, Raw: resp.FormatCommand(args...), Slot: -1}
	if len(args) >= 2 {
		c.Slot = hashing.KeySlot([]byte(args[1]))
	}
	return c
}

// WithSlot overrides the derived slot, for commands whose key lives at a
// non-default position or whose caller has already computed it.
func (c *Command) WithSlot(slot int) *Command {
	c.Slot = slot
	return c
}
