package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
)

// PreferencesKey is the cache key of an owner's preferences.
func PreferencesKey(ownerID string) string {
	return "prefs:" + ownerID
}

// PreferenceStore adapts the relational store for preferences.
type PreferenceStore struct {
	repo     repository.Store
	resolver *cache.Resolver
	ttl      cache.TTL
	now      func() time.Time

	mu sync.Mutex
}

// NewPreferenceStore creates a PreferenceStore.
func NewPreferenceStore(repo repository.Store, resolver *cache.Resolver, ttl cache.TTL, now func() time.Time) *PreferenceStore {
	if now == nil {
		now = time.Now
	}
	return &PreferenceStore{repo: repo, resolver: resolver, ttl: ttl, now: now}
}

// Get returns the owner's preferences. An owner with nothing stored gets
// empty preferences.
func (p *PreferenceStore) Get(ctx context.Context, ownerID string) (*domain.Preferences, error) {
	if ownerID == "" {
		return nil, domain.ErrUnauthenticated
	}
	prefs, err := cache.Resolve(ctx, p.resolver, PreferencesKey(ownerID), p.ttl, func(ctx context.Context) (*domain.Preferences, error) {
		return p.load(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return clonePreferences(prefs), nil
}

// Patch merges patch into the stored preferences. A nil value removes the key.
func (p *PreferenceStore) Patch(ctx context.Context, ownerID string, patch map[string]any) (*domain.Preferences, error) {
	if ownerID == "" {
		return nil, domain.ErrUnauthenticated
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Merge against the durable record, not a possibly stale cache entry.
	current, err := p.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v == nil {
			delete(current.Values, k)
			continue
		}
		current.Values[k] = v
	}
	current.UpdatedAt = p.now()
	if err := p.repo.UpsertPreferences(ctx, current); err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}
	p.resolver.Invalidate(ctx, PreferencesKey(ownerID))
	return clonePreferences(current), nil
}

func (p *PreferenceStore) load(ctx context.Context, ownerID string) (*domain.Preferences, error) {
	prefs, err := p.repo.GetPreferences(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if prefs == nil {
		prefs = &domain.Preferences{OwnerID: ownerID}
	}
	if prefs.Values == nil {
		prefs.Values = map[string]any{}
	}
	return prefs, nil
}

func clonePreferences(p *domain.Preferences) *domain.Preferences {
	out := *p
	out.Values = make(map[string]any, len(p.Values))
	for k, v := range p.Values {
		out.Values[k] = v
	}
	return &out
}
