package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/kv"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
)

// KV is a Locker shared across instances through the distributed cache.
// Key expiry at the ceiling is the stale-reclaim path.
type KV struct {
	store   kv.Store
	mode    Mode
	ceiling time.Duration
	poll    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewKV creates a distributed locker.
func NewKV(store kv.Store, mode Mode, ceiling time.Duration, logger *slog.Logger, m *metrics.Metrics) *KV {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KV{
		store:   store,
		mode:    mode,
		ceiling: ceiling,
		poll:    25 * time.Millisecond,
		logger:  logger,
		metrics: m,
	}
}

func lockKey(sessionID string) string {
	return "lock:" + sessionID
}

// Acquire takes the lock for sessionID.
func (k *KV) Acquire(ctx context.Context, sessionID, holder string) (*Lease, error) {
	start := time.Now()
	key := lockKey(sessionID)
	value := []byte(holder + "|" + uuid.NewString())
	for {
		ok, err := k.store.SetNX(ctx, key, value, k.ceiling)
		if err != nil {
			return nil, fmt.Errorf("acquire session lock %s: %w", sessionID, err)
		}
		if ok {
			k.metrics.LockWait(time.Since(start))
			return k.lease(sessionID, holder, key, value), nil
		}
		if k.mode == ModeReject {
			return nil, fmt.Errorf("session %s locked: %w", sessionID, domain.ErrSessionBusy)
		}
		select {
		case <-time.After(k.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (k *KV) lease(sessionID, holder, key string, value []byte) *Lease {
	return &Lease{
		SessionID: sessionID,
		Holder:    holder,
		release: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deleted, err := k.store.CompareAndDelete(ctx, key, value)
			if err != nil {
				k.logger.Warn("session lock release failed", "session_id", sessionID, "error", err)
				return
			}
			if !deleted {
				k.metrics.LockReclaimed()
				k.logger.Warn("session lock expired before release", "session_id", sessionID, "holder", holder)
			}
		},
		refresh: func(ctx context.Context) error {
			ok, err := k.store.CompareAndSet(ctx, key, value, value, k.ceiling)
			if err != nil {
				return err
			}
			if !ok {
				return ErrLeaseLost
			}
			return nil
		},
	}
}
