// Package lifecycle runs per-session inactivity timers.
package lifecycle

import (
	"sync"
	"time"
)

// Timer holds at most one pending one-shot timer per session. Arming an
// armed session replaces its timer.
type Timer struct {
	mu     sync.Mutex
	timers map[string]*pending
	fire   func(sessionID string)
	closed bool
	seq    uint64
}

type pending struct {
	t   *time.Timer
	seq uint64
}

// New creates a Timer that calls fire on its own goroutine when a session
// has been idle for its armed duration.
func New(fire func(sessionID string)) *Timer {
	return &Timer{timers: make(map[string]*pending), fire: fire}
}

// Arm (re)starts the idle timer of sessionID.
func (t *Timer) Arm(sessionID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || d <= 0 {
		return
	}
	if p, ok := t.timers[sessionID]; ok {
		p.t.Stop()
	}
	t.seq++
	seq := t.seq
	p := &pending{seq: seq}
	p.t = time.AfterFunc(d, func() { t.expire(sessionID, seq) })
	t.timers[sessionID] = p
}

// Disarm cancels the pending timer of sessionID, if any.
func (t *Timer) Disarm(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.timers[sessionID]; ok {
		p.t.Stop()
		delete(t.timers, sessionID)
	}
}

// Armed reports whether sessionID has a pending timer.
func (t *Timer) Armed(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[sessionID]
	return ok
}

// Close stops every timer. Timers that fire afterwards do nothing.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, p := range t.timers {
		p.t.Stop()
		delete(t.timers, id)
	}
}

func (t *Timer) expire(sessionID string, seq uint64) {
	t.mu.Lock()
	p, ok := t.timers[sessionID]
	// A re-arm between the timer firing and this lock replaced the entry.
	if t.closed || !ok || p.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.timers, sessionID)
	t.mu.Unlock()

	t.fire(sessionID)
}
