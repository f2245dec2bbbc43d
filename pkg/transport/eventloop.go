package transport

import "time"

// EventLoop is the adapter contract an AsyncConn is installed onto
// (spec.md §6). The engine (AsyncConn) calls these idempotent hooks when
// it needs the descriptor watched or unwatched; the adapter calls the
// engine's HandleRead/HandleWrite/HandleTimeout back when the
// corresponding event fires. Concrete adapters (epoll, kqueue, an
// existing runtime poller) are external collaborators -- this interface
// is the only thing the core depends on.
type EventLoop interface {
	AddRead()
	DelRead()
	AddWrite()
	DelWrite()
	Cleanup()
	ScheduleTimeout(d time.Duration)
}

// Watchable is implemented by the async engine side: an EventLoop
// implementation calls these back when it observes activity.
type Watchable interface {
	HandleRead()
	HandleWrite()
	HandleTimeout()
}
