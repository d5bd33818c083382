// Package cache resolves keys through a local tier, an in-flight tier,
// the distributed cache and finally a loader.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/chatcore/internal/kv"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
)

// Tier names as reported in logs and metrics.
const (
	TierLocal       = "local"
	TierInFlight    = "inflight"
	TierDistributed = "distributed"
	TierLoader      = "loader"
)

// TTL holds the freshness bounds of the two storing tiers.
type TTL struct {
	Local       time.Duration
	Distributed time.Duration
}

type entry struct {
	value   any
	freshAt time.Time
}

// Resolver is safe for concurrent use.
type Resolver struct {
	local   *ristretto.Cache[string, entry]
	remote  kv.Store
	group   singleflight.Group
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for local freshness.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver holding up to maxEntries local entries.
// remote may be nil, in which case the distributed tier is skipped.
func NewResolver(remote kv.Store, maxEntries int64, opts ...Option) (*Resolver, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	local, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	r := &Resolver{
		local:  local,
		remote: remote,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the local cache.
func (r *Resolver) Close() {
	r.local.Close()
}

// Resolve returns the value for key. Concurrent callers for the same key
// share one resolution; a caller whose ctx ends stops waiting without
// cancelling the shared load. Loader failures are returned to every waiter
// and nothing is cached.
func Resolve[T any](ctx context.Context, r *Resolver, key string, ttl TTL, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := lookupLocal[T](r, key, ttl.Local); ok {
		r.metrics.CacheHit(TierLocal)
		return v, nil
	}

	shareCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		// A flight that just finished may have filled the local tier.
		if v, ok := lookupLocal[T](r, key, ttl.Local); ok {
			r.metrics.CacheHit(TierLocal)
			return v, nil
		}
		if v, ok := lookupRemote[T](shareCtx, r, key); ok {
			r.metrics.CacheHit(TierDistributed)
			r.storeLocal(key, v, ttl.Local)
			return v, nil
		}

		v, err := load(shareCtx)
		r.metrics.CacheLoad(err)
		if err != nil {
			return nil, err
		}
		r.metrics.CacheHit(TierLoader)
		r.storeRemote(shareCtx, key, v, ttl.Distributed)
		r.storeLocal(key, v, ttl.Local)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			r.metrics.CacheHit(TierInFlight)
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cache: unexpected type %T for key %s", res.Val, key)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// InvalidateLocal drops the local entry only.
func (r *Resolver) InvalidateLocal(key string) {
	r.local.Del(key)
}

// InvalidateDistributed drops the distributed entry only. Failures are logged.
func (r *Resolver) InvalidateDistributed(ctx context.Context, key string) {
	if r.remote == nil {
		return
	}
	if err := r.remote.Delete(ctx, key); err != nil {
		r.metrics.CacheDegraded("delete")
		r.logger.Warn("distributed cache invalidation failed", "key", key, "error", err)
	}
}

// Invalidate drops both tiers.
func (r *Resolver) Invalidate(ctx context.Context, key string) {
	r.InvalidateDistributed(ctx, key)
	r.InvalidateLocal(key)
}

func lookupLocal[T any](r *Resolver, key string, ttl time.Duration) (T, bool) {
	var zero T
	e, ok := r.local.Get(key)
	if !ok {
		return zero, false
	}
	if r.now().Sub(e.freshAt) >= ttl {
		return zero, false
	}
	v, ok := e.value.(T)
	return v, ok
}

func lookupRemote[T any](ctx context.Context, r *Resolver, key string) (T, bool) {
	var zero T
	if r.remote == nil {
		return zero, false
	}
	raw, err := r.remote.Get(ctx, key)
	if errors.Is(err, kv.ErrMiss) {
		return zero, false
	}
	if err != nil {
		r.metrics.CacheDegraded("get")
		r.logger.Warn("distributed cache read failed", "key", key, "error", err)
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		r.metrics.CacheDegraded("decode")
		r.logger.Warn("distributed cache entry undecodable", "key", key, "error", err)
		return zero, false
	}
	return v, true
}

func (r *Resolver) storeLocal(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.local.SetWithTTL(key, entry{value: v, freshAt: r.now()}, 1, ttl)
	r.local.Wait()
}

func (r *Resolver) storeRemote(ctx context.Context, key string, v any, ttl time.Duration) {
	if r.remote == nil || ttl <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("cache value not encodable", "key", key, "error", err)
		return
	}
	if err := r.remote.Set(ctx, key, raw, ttl); err != nil {
		r.metrics.CacheDegraded("set")
		r.logger.Warn("distributed cache write failed", "key", key, "error", err)
	}
}
