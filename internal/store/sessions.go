// Package store is the only reader and writer of durable sessions and
// preferences. Reads go through the cache resolver; writes invalidate it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
)

// SessionKey is the cache key of a session.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SessionStore adapts the relational store for sessions.
type SessionStore struct {
	repo     repository.Store
	resolver *cache.Resolver
	ttl      cache.TTL
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(repo repository.Store, resolver *cache.Resolver, ttl cache.TTL) *SessionStore {
	return &SessionStore{repo: repo, resolver: resolver, ttl: ttl}
}

// Get returns the session if it exists and belongs to ownerID. A session
// owned by anyone else is reported exactly like a missing one.
func (s *SessionStore) Get(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	if ownerID == "" {
		return nil, domain.ErrNotFound
	}
	session, err := cache.Resolve(ctx, s.resolver, SessionKey(sessionID), s.ttl, func(ctx context.Context) (*domain.Session, error) {
		got, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if got == nil {
			return nil, domain.ErrNotFound
		}
		return got, nil
	})
	if err != nil {
		return nil, err
	}
	if session == nil || session.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return session.Clone(), nil
}

// Claimable reports whether ownerID may create a session with sessionID:
// nil when no record exists, ErrNotFound when another owner holds the id.
// It reads the relational store directly.
func (s *SessionStore) Claimable(ctx context.Context, sessionID, ownerID string) error {
	got, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if got != nil && got.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	return nil
}

// Upsert writes the full session record (last writer wins) and invalidates
// the distributed entry and this process's local entry.
func (s *SessionStore) Upsert(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if session.OwnerID == "" {
		return nil, domain.NewValidationError("owner_id", "anonymous sessions are not persisted")
	}
	err := s.repo.UpsertSession(ctx, session)
	if errors.Is(err, repository.ErrOwnerMismatch) {
		return nil, fmt.Errorf("upsert session %s: %w", session.ID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	s.resolver.Invalidate(ctx, SessionKey(session.ID))
	return session.Clone(), nil
}

// List returns the owner's sessions without messages.
func (s *SessionStore) List(ctx context.Context, ownerID string, limit int) ([]domain.SessionListItem, error) {
	sessions, err := s.repo.ListSessions(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	items := make([]domain.SessionListItem, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, domain.SessionListItem{
			ID:        sess.ID,
			Title:     sess.Title,
			Model:     sess.Model,
			Active:    sess.Active,
			UpdatedAt: sess.UpdatedAt.UnixMilli(),
		})
	}
	return items, nil
}

// Search finds the owner's sessions matching query.
func (s *SessionStore) Search(ctx context.Context, ownerID, query string, limit int) ([]domain.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewValidationError("q", "query is required")
	}
	results, err := s.repo.SearchSessions(ctx, ownerID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	for i := range results {
		results[i].Snippet = snippet(results[i].Snippet, 160)
	}
	return results, nil
}

// SaveSummary stores the summary of an archived session.
func (s *SessionStore) SaveSummary(ctx context.Context, summary *domain.Summary) error {
	if err := s.repo.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("save summary of %s: %w", summary.SessionID, err)
	}
	return nil
}

func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
