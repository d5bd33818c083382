package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
)

type token struct {
	holder     string
	acquiredAt time.Time
	done       chan struct{}
}

// Local is a process-local Locker.
type Local struct {
	mode    Mode
	ceiling time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*token
}

// LocalOption configures a Local locker.
type LocalOption func(*Local)

func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) LocalOption {
	return func(l *Local) { l.metrics = m }
}

// NewLocal creates a process-local locker.
func NewLocal(mode Mode, ceiling time.Duration, opts ...LocalOption) *Local {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	l := &Local{
		mode:    mode,
		ceiling: ceiling,
		now:     time.Now,
		logger:  slog.Default(),
		locks:   make(map[string]*token),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock for sessionID.
func (l *Local) Acquire(ctx context.Context, sessionID, holder string) (*Lease, error) {
	start := time.Now()
	for {
		l.mu.Lock()
		cur, held := l.locks[sessionID]
		if held {
			if age := l.now().Sub(cur.acquiredAt); age >= l.ceiling {
				l.logger.Warn("reclaiming stale session lock",
					"session_id", sessionID, "holder", cur.holder, "held_for", age)
				l.metrics.LockReclaimed()
				delete(l.locks, sessionID)
				close(cur.done)
				held = false
			}
		}
		if !held {
			tok := &token{holder: holder, acquiredAt: l.now(), done: make(chan struct{})}
			l.locks[sessionID] = tok
			l.mu.Unlock()
			l.metrics.LockWait(time.Since(start))
			return l.lease(sessionID, holder, tok), nil
		}
		if l.mode == ModeReject {
			l.mu.Unlock()
			return nil, fmt.Errorf("session %s locked by %s: %w", sessionID, cur.holder, domain.ErrSessionBusy)
		}
		wait := cur.done
		remaining := l.ceiling - l.now().Sub(cur.acquiredAt)
		l.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Held reports whether sessionID is currently locked.
func (l *Local) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[sessionID]
	return ok
}

func (l *Local) lease(sessionID, holder string, tok *token) *Lease {
	return &Lease{
		SessionID: sessionID,
		Holder:    holder,
		release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.locks[sessionID]; ok && cur == tok {
				delete(l.locks, sessionID)
				close(tok.done)
			}
		},
		refresh: func(ctx context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.locks[sessionID]; !ok || cur != tok {
				return ErrLeaseLost
			}
			tok.acquiredAt = l.now()
			return nil
		},
	}
}
