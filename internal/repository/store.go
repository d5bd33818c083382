// Package repository defines the relational store contract and its SQLite implementation.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// Store defines the interface for durable persistence.
type Store interface {
	// Session operations
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.Session, error)
	SearchSessions(ctx context.Context, ownerID, query string, limit int) ([]domain.SearchResult, error)

	// Preference operations
	GetPreferences(ctx context.Context, ownerID string) (*domain.Preferences, error)
	UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error

	// Summary operations
	SaveSummary(ctx context.Context, summary *domain.Summary) error
	ListSummaries(ctx context.Context, ownerID string, limit int) ([]domain.Summary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
