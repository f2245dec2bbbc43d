package transport

import (
	"sync"
	"time"
)

// DefaultLoop is a minimal, goroutine-backed EventLoop adapter. It is not
// meant to replace a real epoll/kqueue-based adapter in production -- it
// exists so the router's async path has something concrete to run
// against without requiring callers to bring their own event loop.
type DefaultLoop struct {
	mu         sync.Mutex
	watchable  Watchable
	readOn     bool
	writeOn    bool
	started    bool
	stopCh     chan struct{}
	timer      *time.Timer
	pollPeriod time.Duration
}

// NewDefaultLoop constructs a loop driving w. pollPeriod controls how
// often the background goroutine checks for writability/readability
// state changes; 0 selects a sane default.
func NewDefaultLoop(w Watchable, pollPeriod time.Duration) *DefaultLoop {
	if pollPeriod <= 0 {
		pollPeriod = 2 * time.Millisecond
	}
	return &DefaultLoop{watchable: w, pollPeriod: pollPeriod, stopCh: make(chan struct{})}
}

func (l *DefaultLoop) AddRead() {
	l.mu.Lock()
	l.readOn = true
	l.ensureStarted()
	l.mu.Unlock()
}

func (l *DefaultLoop) DelRead() {
	l.mu.Lock()
	l.readOn = false
	l.mu.Unlock()
}

func (l *DefaultLoop) AddWrite() {
	l.mu.Lock()
	l.writeOn = true
	l.ensureStarted()
	l.mu.Unlock()
}

func (l *DefaultLoop) DelWrite() {
	l.mu.Lock()
	l.writeOn = false
	l.mu.Unlock()
}

// ensureStarted must be called with mu held.
func (l *DefaultLoop) ensureStarted() {
	if l.started {
		return
	}
	l.started = true
	go l.run()
}

func (l *DefaultLoop) run() {
	ticker := time.NewTicker(l.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			read, write := l.readOn, l.writeOn
			l.mu.Unlock()
			if write {
				l.watchable.HandleWrite()
			}
			if read {
				l.watchable.HandleRead()
			}
		}
	}
}

// Cleanup stops the background goroutine. Idempotent.
func (l *DefaultLoop) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	select {
	case <-l.stopCh:
		// already closed
	default:
		close(l.stopCh)
	}
	l.started = false
}

// ScheduleTimeout arranges a single HandleTimeout call after d.
func (l *DefaultLoop) ScheduleTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, l.watchable.HandleTimeout)
}
