// Package service implements the chat core operations: sending messages,
// loading and ending sessions, preferences, and the session lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/lifecycle"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
	"github.com/xiaot623/gogo/chatcore/internal/prompt"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
	"github.com/xiaot623/gogo/chatcore/internal/retry"
	"github.com/xiaot623/gogo/chatcore/internal/store"
)

const (
	minIdleTimeout = time.Minute
	maxIdleTimeout = 24 * time.Hour

	closeTimeout = 30 * time.Second

	// attachAttempts bounds how often SendMessage reopens a session that
	// was evicted between loading and attaching its exchange.
	attachAttempts = 3
)

// Publisher receives events for connected clients. Publish must not block.
type Publisher interface {
	Publish(event domain.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

// Deps are the collaborators of a Service.
type Deps struct {
	Config      *config.Config
	Sessions    *store.SessionStore
	Preferences *store.PreferenceStore
	Resolver    *cache.Resolver
	Provider    llm.Provider
	Limiter     *ratelimit.Limiter
	Locker      lock.Locker
	Prompt      *prompt.Builder
	Persistence retry.Policy
	Publisher   Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service is safe for concurrent use.
type Service struct {
	cfg         *config.Config
	sessions    *store.SessionStore
	prefs       *store.PreferenceStore
	resolver    *cache.Resolver
	provider    llm.Provider
	limiter     *ratelimit.Limiter
	locker      lock.Locker
	prompt      *prompt.Builder
	persister   *Persister
	summaryPol  retry.Policy
	publisher   Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	streams     *semaphore.Weighted
	live        *registry
	timers      *lifecycle.Timer
	catalogTTL  cache.TTL
	welcomeText string
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Persistence.MaxAttempts == 0 {
		d.Persistence = retry.Default()
	}

	s := &Service{
		cfg:        d.Config,
		sessions:   d.Sessions,
		prefs:      d.Preferences,
		resolver:   d.Resolver,
		provider:   d.Provider,
		limiter:    d.Limiter,
		locker:     d.Locker,
		prompt:     d.Prompt,
		summaryPol: d.Persistence,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        d.Now,
		streams:    semaphore.NewWeighted(int64(max(d.Config.MaxConcurrent, 1))),
		live:       newRegistry(),
		catalogTTL: cache.TTL{
			Local:       d.Config.CatalogLocalTTL,
			Distributed: d.Config.CatalogRemoteTTL,
		},
		welcomeText: "Hi! How can I help you today?",
	}
	s.persister = NewPersister(d.Sessions, d.Persistence, d.Metrics, d.Logger)
	s.timers = lifecycle.New(s.onIdle)
	return s
}

// Close is Shutdown bounded by closeTimeout.
func (s *Service) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Warn("exchanges still running at close", "error", err)
	}
}

// Shutdown stops every lifecycle timer, cancels running exchanges and waits
// until they have finished, truncated content persisted, or ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.timers.Close()
	var running []*Exchange
	for _, l := range s.live.all() {
		if ex := l.currentExchange(); ex != nil {
			ex.Cancel()
			running = append(running, ex)
		}
	}
	for _, ex := range running {
		select {
		case <-ex.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for exchange %s: %w", ex.ID, ctx.Err())
		}
	}
	return nil
}

// preferences returns the caller's preferences, nil for anonymous callers
// or when they cannot be read.
func (s *Service) preferences(ctx context.Context, identity domain.Identity) *domain.Preferences {
	if identity.Anonymous {
		return nil
	}
	prefs, err := s.prefs.Get(ctx, identity.OwnerID())
	if err != nil {
		s.logger.Warn("preferences unavailable", "owner_id", identity.OwnerID(), "error", err)
		return nil
	}
	return prefs
}

// idleTimeout is the configured timeout, overridden per user and clamped.
func (s *Service) idleTimeout(prefs *domain.Preferences) time.Duration {
	d := s.cfg.IdleTimeout
	if secs := prefs.Int(domain.PrefIdleTimeout); secs > 0 {
		d = time.Duration(secs) * time.Second
		d = min(max(d, minIdleTimeout), maxIdleTimeout)
	}
	return d
}

func (s *Service) touch(ctx context.Context, l *liveSession, identity domain.Identity) {
	l.markActive(s.now())
	s.timers.Arm(l.id, s.idleTimeout(s.preferences(ctx, identity)))
}

func (s *Service) welcomeMessage() domain.Message {
	return domain.Message{
		ID:        domain.NewMessageID(),
		Role:      domain.RoleAssistant,
		Content:   s.welcomeText,
		Metadata:  domain.MessageMetadata{Welcome: true},
		CreatedAt: s.now(),
	}
}

func (s *Service) newSession(id string, identity domain.Identity, model, title string) *domain.Session {
	if id == "" {
		id = domain.NewSessionID()
	}
	if title == "" {
		title = domain.DefaultTitle
	}
	now := s.now()
	return &domain.Session{
		ID:        id,
		OwnerID:   identity.OwnerID(),
		Title:     title,
		Model:     model,
		Messages:  []domain.Message{s.welcomeMessage()},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) defaultModel(prefs *domain.Preferences) string {
	if m := prefs.String(domain.PrefModel); m != "" {
		return m
	}
	return s.cfg.DefaultModel
}

func (s *Service) publish(ev domain.Event) {
	if ev.Ts == 0 {
		ev.Ts = s.now().UnixMilli()
	}
	s.publisher.Publish(ev)
}
