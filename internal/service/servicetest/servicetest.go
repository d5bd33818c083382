// Package servicetest builds a Service on in-memory stores for handler tests.
package servicetest

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/prompt"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
	"github.com/xiaot623/gogo/chatcore/internal/retry"
	"github.com/xiaot623/gogo/chatcore/internal/service"
	"github.com/xiaot623/gogo/chatcore/internal/store"
	"github.com/xiaot623/gogo/chatcore/tests/helpers"
)

// Fixture is a Service with handles on its fakes.
type Fixture struct {
	Service  *service.Service
	Provider *llm.MockProvider
	Repo     repository.Store
	Config   *config.Config
}

// Option adjusts a Fixture before the Service is built.
type Option func(*options)

type options struct {
	policy    string
	publisher service.Publisher
}

// WithPolicy replaces the default rate-limit policy module.
func WithPolicy(module string) Option {
	return func(o *options) { o.policy = module }
}

// WithPublisher routes service events to p.
func WithPublisher(p service.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New builds a Fixture whose provider streams the echo reply of
// llm.NewMockProvider until a test replaces StreamFunc.
func New(t *testing.T, opts ...Option) *Fixture {
	t.Helper()
	o := options{policy: ratelimit.DefaultPolicy}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &config.Config{
		DefaultModel:      "mock-small",
		InferenceTimeout:  5 * time.Second,
		MaxConcurrent:     4,
		MaxMessageChars:   2000,
		MaxContextTokens:  4096,
		OutputReserve:     512,
		SummaryMaxHistory: 50,
		LockCeiling:       30 * time.Second,
		IdleTimeout:       30 * time.Minute,
		SessionLocalTTL:   time.Minute,
		SessionRemoteTTL:  5 * time.Minute,
		PrefsLocalTTL:     time.Minute,
		PrefsRemoteTTL:    5 * time.Minute,
		CatalogLocalTTL:   time.Minute,
		CatalogRemoteTTL:  5 * time.Minute,
	}

	kvStore := helpers.NewTestKV(t)
	repo := helpers.NewTestSQLiteStore(t)
	resolver, err := cache.NewResolver(kvStore, 1000)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	t.Cleanup(resolver.Close)

	policy, err := ratelimit.NewPolicy(context.Background(), o.policy)
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}

	provider := llm.NewMockProvider()
	svc := service.New(service.Deps{
		Config:      cfg,
		Sessions:    store.NewSessionStore(repo, resolver, cache.TTL{Local: cfg.SessionLocalTTL, Distributed: cfg.SessionRemoteTTL}),
		Preferences: store.NewPreferenceStore(repo, resolver, cache.TTL{Local: cfg.PrefsLocalTTL, Distributed: cfg.PrefsRemoteTTL}, nil),
		Resolver:    resolver,
		Provider:    provider,
		Limiter:     ratelimit.New(kvStore, policy),
		Locker:      lock.NewLocal(lock.ModeBlock, cfg.LockCeiling),
		Prompt:      prompt.NewBuilder(prompt.ApproxCounter{}, "You are a test assistant.", cfg.MaxContextTokens, cfg.OutputReserve),
		Persistence: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Publisher: o.publisher,
	})
	t.Cleanup(svc.Close)

	return &Fixture{Service: svc, Provider: provider, Repo: repo, Config: cfg}
}

// Script makes the provider stream parts for every request.
func (f *Fixture) Script(parts ...string) {
	f.Provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		return llm.StreamOf(ctx, parts...), nil
	}
}
