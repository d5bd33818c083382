package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
	"github.com/xiaot623/gogo/chatcore/internal/retry"
	"github.com/xiaot623/gogo/chatcore/internal/store"
)

// Persister writes full sessions through a retry policy. Every attempt
// sends the same payload, so retries never duplicate messages.
type Persister struct {
	sessions *store.SessionStore
	policy   retry.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPersister creates a Persister.
func NewPersister(sessions *store.SessionStore, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Persister {
	return &Persister{sessions: sessions, policy: policy, metrics: m, logger: logger}
}

// Persist upserts session. It returns nil once committed, the error itself
// for permanent failures, and a PersistenceError when retries ran out.
func (p *Persister) Persist(ctx context.Context, session *domain.Session) error {
	payload := session.Clone()
	policy := p.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("session persistence failed, retrying",
			"session_id", payload.ID, "attempt", attempt, "delay", delay, "error", err)
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		_, err := p.sessions.Upsert(ctx, payload)
		p.metrics.PersistAttempt(err)
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	p.logger.Error("session persistence gave up", "session_id", payload.ID, "attempts", attempts, "error", err)
	return &domain.PersistenceError{Attempts: attempts, Last: err}
}

// Persist retries persistence of the in-memory state of a session, e.g.
// after an exchange ended with a PersistenceError.
func (s *Service) Persist(ctx context.Context, identity domain.Identity, sessionID string) (*domain.Session, error) {
	if identity.Anonymous {
		return nil, domain.ErrUnauthenticated
	}
	var out *domain.Session
	err := lock.WithLock(ctx, s.locker, sessionID, identity.ID, func(ctx context.Context) error {
		l, err := s.openLive(ctx, identity, sessionID, false)
		if err != nil {
			return err
		}
		snap := l.snapshot()
		if err := s.persister.Persist(ctx, snap); err != nil {
			l.setDirty(true)
			return err
		}
		l.setDirty(false)
		out = snap
		return nil
	})
	return out, err
}
