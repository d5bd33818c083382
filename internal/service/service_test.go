package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/cache"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/prompt"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
	"github.com/xiaot623/gogo/chatcore/internal/retry"
	"github.com/xiaot623/gogo/chatcore/internal/store"
	"github.com/xiaot623/gogo/chatcore/tests/helpers"
)

var errDBDown = errors.New("database is locked")

// flakyRepo counts session upserts and fails the next failNext of them.
type flakyRepo struct {
	repository.Store
	upserts  atomic.Int32
	failNext atomic.Int32
}

func (f *flakyRepo) UpsertSession(ctx context.Context, s *domain.Session) error {
	f.upserts.Add(1)
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return errDBDown
	}
	return f.Store.UpsertSession(ctx, s)
}

type harness struct {
	svc      *Service
	repo     *flakyRepo
	provider *llm.MockProvider
	cfg      *config.Config
}

type harnessOption func(*config.Config, *string)

func withPolicy(module string) harnessOption {
	return func(_ *config.Config, p *string) { *p = module }
}

func withInferenceTimeout(d time.Duration) harnessOption {
	return func(c *config.Config, _ *string) { c.InferenceTimeout = d }
}

func withLockMode(mode lock.Mode) harnessOption {
	return func(c *config.Config, _ *string) { c.LockMode = string(mode) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &config.Config{
		DefaultModel:      "mock-small",
		SystemPrompt:      "You are a test assistant.",
		InferenceTimeout:  5 * time.Second,
		MaxConcurrent:     4,
		MaxMessageChars:   200,
		MaxContextTokens:  4096,
		OutputReserve:     512,
		SummaryMaxHistory: 50,
		LockMode:          string(lock.ModeBlock),
		LockCeiling:       30 * time.Second,
		IdleTimeout:       30 * time.Minute,
		SessionLocalTTL:   time.Minute,
		SessionRemoteTTL:  5 * time.Minute,
		PrefsLocalTTL:     time.Minute,
		PrefsRemoteTTL:    5 * time.Minute,
		CatalogLocalTTL:   time.Minute,
		CatalogRemoteTTL:  5 * time.Minute,
	}
	module := ratelimit.DefaultPolicy
	for _, opt := range opts {
		opt(cfg, &module)
	}

	kvStore := helpers.NewTestKV(t)
	repo := &flakyRepo{Store: helpers.NewTestSQLiteStore(t)}
	resolver, err := cache.NewResolver(kvStore, 1000)
	require.NoError(t, err)
	t.Cleanup(resolver.Close)

	policy, err := ratelimit.NewPolicy(context.Background(), module)
	require.NoError(t, err)

	persistence := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	provider := &llm.MockProvider{
		CompleteFunc: func(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Content: `{"summary":"A short greeting.","topics":["greeting"]}`}, nil
		},
	}

	svc := New(Deps{
		Config:      cfg,
		Sessions:    store.NewSessionStore(repo, resolver, cache.TTL{Local: cfg.SessionLocalTTL, Distributed: cfg.SessionRemoteTTL}),
		Preferences: store.NewPreferenceStore(repo, resolver, cache.TTL{Local: cfg.PrefsLocalTTL, Distributed: cfg.PrefsRemoteTTL}, nil),
		Resolver:    resolver,
		Provider:    provider,
		Limiter:     ratelimit.New(kvStore, policy),
		Locker:      lock.NewLocal(lock.Mode(cfg.LockMode), cfg.LockCeiling),
		Prompt:      prompt.NewBuilder(prompt.ApproxCounter{}, cfg.SystemPrompt, cfg.MaxContextTokens, cfg.OutputReserve),
		Persistence: persistence,
	})
	t.Cleanup(svc.Close)
	return &harness{svc: svc, repo: repo, provider: provider, cfg: cfg}
}

func (h *harness) script(parts ...string) {
	h.provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		return llm.StreamOf(ctx, parts...), nil
	}
}

// hang streams first (if any) and then waits for the context to end.
func (h *harness) hang(first string) {
	h.provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk)
		go func() {
			defer close(ch)
			if first != "" {
				select {
				case ch <- llm.Chunk{Content: first}:
				case <-ctx.Done():
					return
				}
			}
			<-ctx.Done()
		}()
		return ch, nil
	}
}

// gate streams first and then waits until release is closed, ending the
// stream cleanly.
func (h *harness) gate(first string, release <-chan struct{}) {
	h.provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk)
		go func() {
			defer close(ch)
			select {
			case ch <- llm.Chunk{Content: first}:
			case <-ctx.Done():
				return
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
}

// firstContent reads deltas until the first content delta, then detaches.
func firstContent(t *testing.T, ex *Exchange) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ex.Deltas():
			require.True(t, ok, "exchange ended before streaming content")
			if d.Type == domain.DeltaContent {
				ex.Detach()
				return
			}
		case <-timeout:
			t.Fatal("no content streamed")
		}
	}
}

var alice = domain.Identity{ID: "alice"}

func drain(t *testing.T, ex *Exchange) []domain.MessageDelta {
	t.Helper()
	var out []domain.MessageDelta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ex.Deltas():
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("exchange did not finish")
		}
	}
}

func wait(t *testing.T, ex *Exchange) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ex.Wait(ctx)
}

func contents(deltas []domain.MessageDelta) []string {
	var out []string
	for _, d := range deltas {
		if d.Type == domain.DeltaContent {
			out = append(out, d.Content)
		}
	}
	return out
}

func TestSendMessageCommits(t *testing.T) {
	h := newHarness(t)
	h.script("Hello", "!")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	deltas := drain(t, ex)

	res, err := wait(t, ex)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, res.State)
	require.NotNil(t, res.Message)
	assert.Equal(t, "Hello!", res.Message.Content)
	assert.False(t, res.Message.Metadata.Thinking)
	assert.Equal(t, int32(1), h.repo.upserts.Load())

	assert.Equal(t, []string{"Hello", "!"}, contents(deltas))
	assert.Equal(t, domain.DeltaState, deltas[len(deltas)-1].Type)
	assert.Equal(t, domain.StateCommitted, deltas[len(deltas)-1].State)

	thinkingAt, firstContentAt := -1, -1
	for i, d := range deltas {
		if d.Type == domain.DeltaThinking && thinkingAt < 0 {
			thinkingAt = i
		}
		if d.Type == domain.DeltaContent && firstContentAt < 0 {
			firstContentAt = i
		}
	}
	assert.Less(t, thinkingAt, firstContentAt)

	stored, err := h.repo.Store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	assert.True(t, stored.Messages[0].Metadata.Welcome)
	assert.Equal(t, "hi", stored.Messages[1].Content)
	assert.Equal(t, "Hello!", stored.Messages[2].Content)
	assert.Equal(t, "hi", stored.Title)
	assert.Equal(t, 0, stored.ThinkingCount())
}

func TestSendMessageStreamsInOrder(t *testing.T) {
	h := newHarness(t)
	h.script("Hel", "lo, ", "world")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{Text: "greet me"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, contents(drain(t, ex)))

	res, err := wait(t, ex)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", res.Message.Content)
}

func TestSendMessageSnapshotPrecedesNetwork(t *testing.T) {
	h := newHarness(t)
	h.script("ok")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "first"})
	require.NoError(t, err)
	deltas := drain(t, ex)

	var snapshot *domain.MessageDelta
	for i := range deltas {
		if deltas[i].Type == domain.DeltaSnapshot {
			snapshot = &deltas[i]
			break
		}
		assert.NotEqual(t, domain.DeltaContent, deltas[i].Type)
	}
	require.NotNil(t, snapshot)
	require.Len(t, snapshot.Messages, 2)
	assert.Equal(t, "first", snapshot.Messages[0].Content)
	assert.True(t, snapshot.Messages[1].Metadata.Thinking)
	assert.Equal(t, ex.MessageID, snapshot.Messages[1].ID)
}

func TestSendMessageRateLimited(t *testing.T) {
	h := newHarness(t, withPolicy(`
package ratelimit

default decision = {"limit": 1, "window_seconds": 60}
`))
	h.script("fine")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "one"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	ex, err = h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "two"})
	require.NoError(t, err)
	assert.False(t, ex.Admission().Allowed)
	deltas := drain(t, ex)

	res, err := wait(t, ex)
	var admission *domain.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Positive(t, admission.RetryAfter)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Empty(t, contents(deltas))

	require.Len(t, res.Session.Messages, 5)
	assert.Equal(t, "one", res.Session.Messages[1].Content)
	assert.Equal(t, "fine", res.Session.Messages[2].Content)
	last := res.Session.Messages[4]
	assert.True(t, last.Metadata.Error)
	assert.False(t, last.Metadata.Thinking)
	assert.Contains(t, last.Content, "try again")
}

func TestPersistenceFailureThenManualRetry(t *testing.T) {
	h := newHarness(t)
	h.script("Hello!")
	h.repo.failNext.Store(3)

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	deltas := drain(t, ex)

	res, err := wait(t, ex)
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, "Hello!", res.Message.Content)

	var warned bool
	for _, d := range deltas {
		if d.Type == domain.DeltaWarning {
			warned = true
			assert.Equal(t, "persistence_error", d.Error.Code)
		}
	}
	assert.True(t, warned)

	stored, err := h.repo.Store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	// In-memory state survives and a manual retry commits it once.
	got, err := h.svc.LoadSession(context.Background(), alice, "s1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)

	_, err = h.svc.Persist(context.Background(), alice, "s1")
	require.NoError(t, err)
	_, err = h.svc.Persist(context.Background(), alice, "s1")
	require.NoError(t, err)

	stored, err = h.repo.Store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	ids := map[string]bool{}
	for _, m := range stored.Messages {
		assert.False(t, ids[m.ID], "duplicate message %s", m.ID)
		ids[m.ID] = true
	}
}

func TestCancelTruncates(t *testing.T) {
	h := newHarness(t)
	h.hang("partial")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "tell me a story"})
	require.NoError(t, err)

	for d := range ex.Deltas() {
		if d.Type == domain.DeltaContent {
			require.NoError(t, h.svc.CancelExchange(context.Background(), alice, "s1"))
			break
		}
	}
	ex.Detach()

	res, err := wait(t, ex)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, "partial"+domain.TruncationMarker, res.Message.Content)
	assert.True(t, res.Message.Metadata.Truncated)

	// Partial content is kept durably.
	stored, err := h.repo.Store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.Message.Content, stored.Messages[len(stored.Messages)-1].Content)
}

func TestInferenceTimeout(t *testing.T) {
	h := newHarness(t, withInferenceTimeout(50*time.Millisecond))
	h.hang("")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{Text: "slow"})
	require.NoError(t, err)
	ex.Detach()

	res, err := wait(t, ex)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.True(t, res.Message.Metadata.Truncated)
	assert.False(t, res.Message.Metadata.Thinking)
}

func TestProviderErrorKeepsPartialContent(t *testing.T) {
	h := newHarness(t)
	h.provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 2)
		ch <- llm.Chunk{Content: "half"}
		ch <- llm.Chunk{Err: errors.New("connection reset")}
		close(ch)
		return ch, nil
	}

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{Text: "go"})
	require.NoError(t, err)
	ex.Detach()

	res, err := wait(t, ex)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, strings.HasPrefix(res.Message.Content, "half"))
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{Text: "   "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.SendMessage(ctx, alice, domain.SendRequest{Text: strings.Repeat("x", 201)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	h.hang("")
	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "first"})
	require.NoError(t, err)
	ex.Detach()

	_, err = h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "second"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	ex.Cancel()
	_, _ = wait(t, ex)
}

func TestForeignSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.repo.Store.UpsertSession(ctx, &domain.Session{
		ID: "bobs", OwnerID: "bob", Title: "private", Active: true, CreatedAt: now, UpdatedAt: now,
	}))

	_, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "bobs", Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.LoadSession(ctx, alice, "bobs")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.LoadSession(ctx, domain.Identity{ID: "bob"}, "bobs")
	assert.NoError(t, err)
}

func TestAnonymousSessionsStayInMemory(t *testing.T) {
	h := newHarness(t)
	h.script("hey")
	ctx := context.Background()
	anon := domain.Identity{ID: "client:abc", Anonymous: true}

	ex, err := h.svc.SendMessage(ctx, anon, domain.SendRequest{SessionID: "a1", Text: "hello"})
	require.NoError(t, err)
	res, err := wait(t, ex)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, res.State)
	assert.Equal(t, int32(0), h.repo.upserts.Load())

	got, err := h.svc.LoadSession(ctx, anon, "a1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)

	_, err = h.svc.LoadSession(ctx, domain.Identity{ID: "client:other", Anonymous: true}, "a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.GetPreferences(ctx, anon)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestEndChatRollsOver(t *testing.T) {
	h := newHarness(t)
	h.script("Hello!")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi there"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	next, err := h.svc.EndChat(ctx, alice, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, "s1", next.ID)
	assert.Equal(t, "s1", next.PreviousID)
	assert.Equal(t, "hi there", next.Title)
	assert.Equal(t, "alice", next.OwnerID)
	require.Len(t, next.Messages, 1)
	assert.True(t, next.Messages[0].Metadata.Welcome)

	old, err := h.repo.Store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Len(t, old.Messages, 3)

	summaries, err := h.repo.Store.ListSummaries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "A short greeting.", summaries[0].Text)
	assert.Equal(t, []string{"greeting"}, summaries[0].Topics)

	// Only the welcome message: nothing to roll over.
	same, err := h.svc.EndChat(ctx, alice, next.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, same.ID)

	// The archived session can no longer receive messages.
	_, err = h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "again"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestIdleTimerRollsOver(t *testing.T) {
	h := newHarness(t)
	h.script("Hello!")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	h.svc.onIdle("s1")
	assert.Nil(t, h.svc.live.get("s1"))
	assert.Equal(t, 1, h.svc.live.len())
}

func TestPreferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prefs, err := h.svc.GetPreferences(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, prefs.Values)

	_, err = h.svc.SetPreferences(ctx, alice, map[string]any{domain.PrefModel: 42.0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	prefs, err = h.svc.SetPreferences(ctx, alice, map[string]any{
		domain.PrefModel:       "mock-large",
		domain.PrefIdleTimeout: 5.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-large", prefs.String(domain.PrefModel))

	// Clamped to the one minute floor.
	assert.Equal(t, time.Minute, h.svc.idleTimeout(prefs))

	var seen string
	h.provider.StreamFunc = func(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
		seen = req.Model
		return llm.StreamOf(ctx, "ok"), nil
	}
	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{Text: "which model?"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)
	assert.Equal(t, "mock-large", seen)
}

func TestListModelsIsCached(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.provider.ListModelsFunc = func(ctx context.Context) ([]domain.Model, error) {
		calls.Add(1)
		return []domain.Model{{ID: "m1", Provider: "mock"}}, nil
	}

	for i := 0; i < 3; i++ {
		models, d, err := h.svc.ListModels(context.Background(), alice)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Len(t, models, 1)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearchAndList(t *testing.T) {
	h := newHarness(t)
	h.script("Paris is the capital.")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "capital of France?"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	items, err := h.svc.ListSessions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0].ID)

	results, _, err := h.svc.SearchSessions(ctx, alice, "Paris")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].SessionID)
}

func TestEvictIdle(t *testing.T) {
	h := newHarness(t)
	h.script("ok")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	assert.Equal(t, 0, h.svc.EvictIdle(time.Hour))
	assert.Equal(t, 1, h.svc.EvictIdle(-time.Second))

	// Evicted sessions reload from the store.
	got, err := h.svc.LoadSession(ctx, alice, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}

func TestEndChatTwiceKeepsOneSuccessor(t *testing.T) {
	h := newHarness(t)
	h.script("Hello!")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi there"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	next, err := h.svc.EndChat(ctx, alice, "s1")
	require.NoError(t, err)
	before, err := h.svc.ListSessions(ctx, alice)
	require.NoError(t, err)

	_, err = h.svc.EndChat(ctx, alice, "s1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	after, err := h.svc.ListSessions(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	successors := 0
	for _, item := range after {
		sess, err := h.repo.Store.GetSession(ctx, item.ID)
		require.NoError(t, err)
		if sess != nil && sess.PreviousID == "s1" {
			successors++
			assert.Equal(t, next.ID, sess.ID)
		}
	}
	assert.LessOrEqual(t, successors, 1)

	summaries, err := h.repo.Store.ListSummaries(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestCloseWaitsForDetachedExchange(t *testing.T) {
	h := newHarness(t)
	h.hang("partial")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "tell me a story"})
	require.NoError(t, err)
	firstContent(t, ex)

	h.svc.Close()

	select {
	case <-ex.Done():
	default:
		t.Fatal("Close returned before the exchange finished")
	}
	assert.Equal(t, domain.StateFailed, ex.State())

	stored, err := h.repo.Store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	last := stored.Messages[len(stored.Messages)-1]
	assert.Equal(t, "partial"+domain.TruncationMarker, last.Content)
	assert.True(t, last.Metadata.Truncated)
}

func TestShutdownHonorsContext(t *testing.T) {
	h := newHarness(t)
	h.hang("partial")

	ex, err := h.svc.SendMessage(context.Background(), alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	firstContent(t, ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The exchange may already be done; either way Shutdown returns promptly.
	err = h.svc.Shutdown(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	_, err = wait(t, ex)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestSendMessageReattachesEvictedSession(t *testing.T) {
	h := newHarness(t)
	h.script("ok")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	// Eviction between loading the session and attaching an exchange.
	l := h.svc.live.get("s1")
	require.NotNil(t, l)
	require.True(t, h.svc.live.removeIf(l, func(*liveSession) bool { return true }))

	ex2 := newExchange(h.svc, l, alice, nil, nil, "mock-small")
	t.Cleanup(func() {
		l.clearExchange(ex2)
		ex2.discard()
	})
	require.True(t, h.svc.live.attach(l, ex2))
	assert.Same(t, l, h.svc.live.get("s1"))
	assert.Same(t, ex2, l.currentExchange())

	// A session with an exchange is never evicted.
	assert.False(t, h.svc.live.removeIf(l, func(l *liveSession) bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.exchange == nil
	}))
	assert.Equal(t, 0, h.svc.EvictIdle(-time.Second))

	// A stale copy cannot attach over a newer registration.
	stale := &liveSession{id: "s1", creator: "alice", session: l.snapshot()}
	assert.False(t, h.svc.live.attach(stale, ex2))
}

func TestSendMessageSurvivesConcurrentEviction(t *testing.T) {
	h := newHarness(t)
	h.script("ok")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "first"})
	require.NoError(t, err)
	_, err = wait(t, ex)
	require.NoError(t, err)

	stop := make(chan struct{})
	evicted := make(chan struct{})
	go func() {
		defer close(evicted)
		for {
			select {
			case <-stop:
				return
			default:
				h.svc.EvictIdle(-time.Second)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "again"})
		require.NoError(t, err)
		res, err := wait(t, ex)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCommitted, res.State)
	}
	close(stop)
	<-evicted

	got, err := h.svc.LoadSession(ctx, alice, "s1")
	require.NoError(t, err)
	// The welcome message plus every committed exchange.
	assert.Len(t, got.Messages, 1+2*11)
}

func TestEndChatRejectedWhileStreaming(t *testing.T) {
	h := newHarness(t, withLockMode(lock.ModeReject))
	h.hang("partial")
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	firstContent(t, ex)

	_, err = h.svc.EndChat(ctx, alice, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	require.NoError(t, h.svc.CancelExchange(ctx, alice, "s1"))
	_, err = wait(t, ex)
	assert.ErrorIs(t, err, domain.ErrTransport)

	// Once the exchange is terminal the session can end.
	next, err := h.svc.EndChat(ctx, alice, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", next.PreviousID)
}

func TestEndChatWaitsForExchange(t *testing.T) {
	h := newHarness(t, withLockMode(lock.ModeBlock))
	release := make(chan struct{})
	h.gate("Hello", release)
	ctx := context.Background()

	ex, err := h.svc.SendMessage(ctx, alice, domain.SendRequest{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	firstContent(t, ex)

	type ended struct {
		sess *domain.Session
		err  error
	}
	endCh := make(chan ended, 1)
	go func() {
		sess, err := h.svc.EndChat(ctx, alice, "s1")
		endCh <- ended{sess, err}
	}()

	select {
	case <-endCh:
		t.Fatal("EndChat returned while the exchange was streaming")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	res, err := wait(t, ex)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, res.State)

	var got ended
	select {
	case got = <-endCh:
	case <-time.After(5 * time.Second):
		t.Fatal("EndChat did not return")
	}
	require.NoError(t, got.err)
	assert.Equal(t, "s1", got.sess.PreviousID)

	// The archived session holds the committed reply.
	old, err := h.repo.Store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.Len(t, old.Messages, 3)
	assert.Equal(t, "Hello", old.Messages[2].Content)
	assert.False(t, old.Messages[2].Metadata.Truncated)
}
