package service

import (
	"sync"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// liveSession is the in-memory, authoritative copy of a session held by
// this process. Mutations happen under the session lock; mu guards readers
// that do not take it.
type liveSession struct {
	id string
	// creator is the identity that created or loaded the session. Anonymous
	// sessions are only visible to their creator.
	creator string

	mu         sync.Mutex
	session    *domain.Session
	exchange   *Exchange
	lastActive time.Time
	// dirty is set while the in-memory state has changes the relational
	// store has not accepted.
	dirty bool
}

func (l *liveSession) snapshot() *domain.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Clone()
}

func (l *liveSession) update(fn func(s *domain.Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.session)
}

func (l *liveSession) currentExchange() *Exchange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exchange
}

func (l *liveSession) streaming() bool {
	ex := l.currentExchange()
	return ex != nil && !ex.State().Terminal()
}

func (l *liveSession) setExchange(ex *Exchange) {
	l.mu.Lock()
	l.exchange = ex
	l.mu.Unlock()
}

func (l *liveSession) clearExchange(ex *Exchange) {
	l.mu.Lock()
	if l.exchange == ex {
		l.exchange = nil
	}
	l.mu.Unlock()
}

func (l *liveSession) markActive(now time.Time) {
	l.mu.Lock()
	l.lastActive = now
	l.mu.Unlock()
}

func (l *liveSession) setDirty(dirty bool) {
	l.mu.Lock()
	l.dirty = dirty
	l.mu.Unlock()
}

func (l *liveSession) isDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// visibleTo reports whether identity may see the session.
func (l *liveSession) visibleTo(identity domain.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session.OwnerID != "" {
		return !identity.Anonymous && l.session.OwnerID == identity.ID
	}
	return identity.Anonymous && l.creator == identity.ID
}

type registry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*liveSession)}
}

func (r *registry) get(id string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// putIfAbsent stores l unless a live session with the same id exists, and
// returns the one that ends up registered.
func (r *registry) putIfAbsent(l *liveSession) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[l.id]; ok {
		return existing
	}
	r.sessions[l.id] = l
	return l
}

func (r *registry) replace(oldID string, l *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, oldID)
	r.sessions[l.id] = l
}

// attach sets ex as the exchange of l if l is still the registered session
// for its id, re-registering it when it has been removed.
func (r *registry) attach(l *liveSession, ex *Exchange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[l.id]; ok && cur != l {
		return false
	}
	r.sessions[l.id] = l
	l.setExchange(ex)
	return true
}

// removeIf drops l when it is still registered and pred holds. pred runs
// under the registry lock, so attach cannot interleave with it.
func (r *registry) removeIf(l *liveSession, pred func(*liveSession) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[l.id] != l || !pred(l) {
		return false
	}
	delete(r.sessions, l.id)
	return true
}

func (r *registry) all() []*liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveSession, 0, len(r.sessions))
	for _, l := range r.sessions {
		out = append(out, l)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
