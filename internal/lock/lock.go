// Package lock provides per-session mutual exclusion.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mode selects what a contended acquire does.
type Mode string

const (
	// ModeBlock waits until the holder releases or the lock goes stale.
	ModeBlock Mode = "block"
	// ModeReject fails immediately with domain.ErrSessionBusy.
	ModeReject Mode = "reject"
)

// DefaultCeiling is the age after which a held lock is presumed abandoned.
const DefaultCeiling = 30 * time.Second

// ErrLeaseLost is returned by Refresh when the lock was reclaimed.
var ErrLeaseLost = errors.New("lock lease lost")

// Locker grants exclusive leases on session ids.
type Locker interface {
	Acquire(ctx context.Context, sessionID, holder string) (*Lease, error)
}

// Lease is one held lock. Release is idempotent.
type Lease struct {
	SessionID string
	Holder    string

	release func()
	refresh func(ctx context.Context) error

	once     sync.Once
	mu       sync.Mutex
	stopKeep func()
}

// Release gives the lock back. Releasing a reclaimed lease is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		stop := l.stopKeep
		l.mu.Unlock()
		if stop != nil {
			stop()
		}
		l.release()
	})
}

// Refresh restarts the staleness clock of the lease.
func (l *Lease) Refresh(ctx context.Context) error {
	if l.refresh == nil {
		return nil
	}
	return l.refresh(ctx)
}

// KeepAlive refreshes the lease every interval until Release.
func (l *Lease) KeepAlive(interval time.Duration) {
	if interval <= 0 || l.refresh == nil {
		return
	}
	done := make(chan struct{})
	var once sync.Once
	l.mu.Lock()
	l.stopKeep = func() { once.Do(func() { close(done) }) }
	l.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := l.refresh(context.Background()); err != nil {
					return
				}
			}
		}
	}()
}

// WithLock runs fn while holding the session lock. The lock is released on
// every exit path, including panics.
func WithLock(ctx context.Context, l Locker, sessionID, holder string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, sessionID, holder)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}
