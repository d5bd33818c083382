package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
)

// CatalogKey is the cache key of the model catalog.
const CatalogKey = "catalog:models"

const listLimit = 100

// LoadSession returns the session, preferring this process's live copy.
// Anonymous callers only see live sessions they created.
func (s *Service) LoadSession(ctx context.Context, identity domain.Identity, sessionID string) (*domain.Session, error) {
	l, err := s.openLive(ctx, identity, sessionID, false)
	if err != nil {
		return nil, err
	}
	snap := l.snapshot()
	if snap.Active {
		s.touch(ctx, l, identity)
	}
	return snap, nil
}

// ListSessions returns the caller's sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, identity domain.Identity) ([]domain.SessionListItem, error) {
	if identity.Anonymous {
		return s.liveSessionsOf(identity), nil
	}
	return s.sessions.List(ctx, identity.ID, listLimit)
}

func (s *Service) liveSessionsOf(identity domain.Identity) []domain.SessionListItem {
	items := []domain.SessionListItem{}
	for _, l := range s.live.all() {
		if !l.visibleTo(identity) {
			continue
		}
		snap := l.snapshot()
		items = append(items, domain.SessionListItem{
			ID:        snap.ID,
			Title:     snap.Title,
			Model:     snap.Model,
			Active:    snap.Active,
			UpdatedAt: snap.UpdatedAt.UnixMilli(),
		})
	}
	return items
}

// SearchSessions searches the caller's persisted sessions. It counts
// against the search quota.
func (s *Service) SearchSessions(ctx context.Context, identity domain.Identity, query string) ([]domain.SearchResult, ratelimit.Decision, error) {
	if identity.Anonymous {
		return nil, ratelimit.Decision{}, domain.ErrUnauthenticated
	}
	d := s.limiter.AdmitClass(ctx, ratelimit.ClassSearch, identity)
	if err := d.Err(); err != nil {
		return nil, d, err
	}
	results, err := s.sessions.Search(ctx, identity.ID, query, listLimit)
	return results, d, err
}

// GetPreferences returns the caller's preferences.
func (s *Service) GetPreferences(ctx context.Context, identity domain.Identity) (*domain.Preferences, error) {
	if identity.Anonymous {
		return nil, domain.ErrUnauthenticated
	}
	return s.prefs.Get(ctx, identity.ID)
}

// SetPreferences merges patch into the caller's preferences. A null value
// removes the key.
func (s *Service) SetPreferences(ctx context.Context, identity domain.Identity, patch map[string]any) (*domain.Preferences, error) {
	if identity.Anonymous {
		return nil, domain.ErrUnauthenticated
	}
	if len(patch) == 0 {
		return nil, domain.NewValidationError("preferences", "patch is empty")
	}
	if v, ok := patch[domain.PrefIdleTimeout]; ok && v != nil {
		if _, isNum := v.(float64); !isNum {
			return nil, domain.NewValidationError(domain.PrefIdleTimeout, "must be a number of seconds")
		}
	}
	for _, key := range []string{domain.PrefModel, domain.PrefInstruction} {
		if v, ok := patch[key]; ok && v != nil {
			if _, isStr := v.(string); !isStr {
				return nil, domain.NewValidationError(key, "must be a string")
			}
		}
	}
	return s.prefs.Patch(ctx, identity.ID, patch)
}

// ListModels returns the provider's model catalog through the cache
// resolver. It counts against the catalog quota.
func (s *Service) ListModels(ctx context.Context, identity domain.Identity) ([]domain.Model, ratelimit.Decision, error) {
	d := s.limiter.AdmitClass(ctx, ratelimit.ClassCatalog, identity)
	if err := d.Err(); err != nil {
		return nil, d, err
	}
	models, err := cache.Resolve(ctx, s.resolver, CatalogKey, s.catalogTTL, func(ctx context.Context) ([]domain.Model, error) {
		models, err := s.provider.ListModels(ctx)
		if err != nil {
			return nil, &domain.TransportError{Cause: fmt.Errorf("list models: %w", err)}
		}
		return models, nil
	})
	return models, d, err
}

// EvictIdle drops live sessions idle for longer than ttl. Streaming
// sessions and sessions with unpersisted changes stay.
func (s *Service) EvictIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	evicted := 0
	for _, l := range s.live.all() {
		removed := s.live.removeIf(l, func(l *liveSession) bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.exchange == nil && !l.dirty && l.lastActive.Before(cutoff)
		})
		if !removed {
			continue
		}
		s.timers.Disarm(l.id)
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("evicted idle live sessions", "count", evicted, "remaining", s.live.len())
	}
	return evicted
}
