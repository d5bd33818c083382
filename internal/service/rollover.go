package service

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
)

const rolloverTimeout = 2 * time.Minute

// EndChat archives the session and starts a new one carrying its title,
// owner and model. A session with nothing beyond the welcome message is
// returned unchanged; an archived session is a ValidationError.
func (s *Service) EndChat(ctx context.Context, identity domain.Identity, sessionID string) (*domain.Session, error) {
	l, err := s.openLive(ctx, identity, sessionID, false)
	if err != nil {
		return nil, err
	}
	return s.rollover(ctx, l)
}

// Rollover rolls over a live session regardless of caller. It is what the
// lifecycle timer runs.
func (s *Service) Rollover(ctx context.Context, sessionID string) (*domain.Session, error) {
	l := s.live.get(sessionID)
	if l == nil {
		return nil, domain.ErrNotFound
	}
	return s.rollover(ctx, l)
}

func (s *Service) rollover(ctx context.Context, l *liveSession) (*domain.Session, error) {
	var next *domain.Session
	err := lock.WithLock(ctx, s.locker, l.id, "rollover", func(ctx context.Context) error {
		if s.live.get(l.id) != l {
			// Rolled over or evicted while waiting for the lock.
			return domain.ErrNotFound
		}
		old := l.snapshot()
		if !old.Active {
			return domain.NewValidationError("session_id", "session has ended")
		}
		if len(old.Messages) < 2 {
			s.metrics.Rollover("skipped")
			next = old
			return nil
		}
		s.timers.Disarm(l.id)
		log := s.logger.With("session_id", old.ID)

		if !old.Anonymous() {
			s.saveSummary(ctx, old)
			old.Active = false
			old.UpdatedAt = s.now()
			if err := s.persister.Persist(ctx, old); err != nil {
				s.metrics.Rollover("failed")
				log.Warn("rollover aborted, archive not persisted", "error", err)
				return err
			}
		}

		identity := domain.Identity{ID: old.OwnerID}
		if old.Anonymous() {
			identity = domain.Identity{ID: l.creator, Anonymous: true}
		}
		next = s.newSession("", identity, old.Model, old.Title)
		next.PreviousID = old.ID

		nl := &liveSession{id: next.ID, creator: l.creator, session: next, lastActive: s.now()}
		if !next.Anonymous() {
			if err := s.persister.Persist(ctx, next); err != nil {
				log.Warn("new session not persisted after rollover", "new_session_id", next.ID, "error", err)
				nl.dirty = true
			}
		}
		s.live.replace(l.id, nl)

		s.metrics.Rollover("rolled_over")
		log.Info("session rolled over", "new_session_id", next.ID)
		s.publish(domain.Event{
			Type:       domain.EventSessionRolledOver,
			SessionID:  next.ID,
			PreviousID: old.ID,
			Session:    next.Clone(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// saveSummary summarizes and stores old. Failures are logged; the rollover
// goes on without a summary.
func (s *Service) saveSummary(ctx context.Context, old *domain.Session) {
	summary, err := s.summarize(ctx, old)
	if err != nil {
		s.logger.Warn("summary generation failed", "session_id", old.ID, "error", err)
		return
	}
	if _, err := s.summaryPol.Do(ctx, func(ctx context.Context) error {
		return s.sessions.SaveSummary(ctx, summary)
	}); err != nil {
		s.logger.Warn("summary not saved", "session_id", old.ID, "error", err)
	}
}

// onIdle runs when a session's inactivity timer fires.
func (s *Service) onIdle(sessionID string) {
	l := s.live.get(sessionID)
	if l == nil {
		return
	}
	if l.streaming() {
		s.timers.Arm(sessionID, s.cfg.IdleTimeout)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rolloverTimeout)
	defer cancel()
	_, err := s.rollover(ctx, l)
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
	case errors.Is(err, domain.ErrSessionBusy):
		s.timers.Arm(sessionID, s.cfg.IdleTimeout)
	default:
		s.logger.Warn("idle rollover failed", "session_id", sessionID, "error", err)
	}
}
