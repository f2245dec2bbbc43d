// Package clusterlog wraps zerolog for the router's event logging
// (slot-map refreshes, redirects, node loss), with a silent default so the
// library never logs unless a caller opts in.
package clusterlog

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the event sink used by the router packages.
type Logger struct {
	zl zerolog.Logger
}

// Discard returns a Logger that drops every event.
func Discard() *Logger {
	return &Logger{zl: zerolog.New(io.Discard)}
}

// New builds a Logger writing JSON lines to w at the given level name
// ("debug", "info", "warn", "error"; anything else defaults to "info").
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

func (l *Logger) event(level zerolog.Level) *zerolog.Event {
	if l == nil {
		l = Discard()
	}
	return l.zl.WithLevel(level)
}

func (l *Logger) SlotMapUpdated(version uint64, nodes int) {
	l.event(zerolog.InfoLevel).
		Uint64("routing_version", version).
		Int("nodes", nodes).
		Msg("slot map updated")
}

func (l *Logger) Redirect(kind, slot, target string) {
	l.event(zerolog.DebugLevel).
		Str("kind", kind).
		Str("slot", slot).
		Str("target", target).
		Msg("redirect handled")
}

func (l *Logger) NodeLost(addr string, failures int) {
	l.event(zerolog.WarnLevel).
		Str("node", addr).
		Int("failure_count", failures).
		Msg("node connection lost")
}

func (l *Logger) Error(context string, err error) {
	l.event(zerolog.ErrorLevel).
		Str("context", context).
		Err(err).
		Msg("cluster router error")
}
