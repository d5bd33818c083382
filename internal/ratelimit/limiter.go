// Package ratelimit admits requests against per-client windows kept in the
// distributed cache.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/kv"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
)

// RouteClass separates quotas for different kinds of request.
type RouteClass string

const (
	ClassChat    RouteClass = "chat"
	ClassCatalog RouteClass = "catalog"
	ClassSearch  RouteClass = "search"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int64
	ResetAt   time.Time
	// RetryAfter is set when the request was denied.
	RetryAfter time.Duration
	// Degraded is set when the store was unavailable and the limiter failed open.
	Degraded bool
}

// Err returns an AdmissionError for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.AdmissionError{RetryAfter: d.RetryAfter, ResetAt: d.ResetAt, Limit: d.Limit}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store      kv.Store
	policy     *Policy
	now        func() time.Time
	failClosed bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithFailClosed denies instead of admitting when the store is unavailable.
func WithFailClosed(failClosed bool) Option {
	return func(l *Limiter) { l.failClosed = failClosed }
}

// New creates a Limiter.
func New(store kv.Store, policy *Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AdmitClass checks identity against the quota the policy assigns to class.
func (l *Limiter) AdmitClass(ctx context.Context, class RouteClass, identity domain.Identity) Decision {
	rule, err := l.policy.Rule(ctx, class, !identity.Anonymous)
	if err != nil {
		l.logger.Warn("rate limit policy unavailable, admitting", "class", class, "error", err)
		l.metrics.Admission(string(class), "degraded")
		return Decision{Allowed: true, Degraded: true}
	}
	d := l.Admit(ctx, clientKey(class, identity), rule.Limit, rule.Window)
	l.metrics.Admission(string(class), outcome(d))
	return d
}

// Admit counts one request for clientID in a window of size window and
// reports whether it fits within limit. Windows are anchored at the
// client's first request: window k covers [anchor+k*window, anchor+(k+1)*window).
func (l *Limiter) Admit(ctx context.Context, clientID string, limit int, window time.Duration) Decision {
	now := l.now()
	anchor, err := l.anchor(ctx, clientID, now, window)
	if err != nil {
		return l.unavailable(clientID, limit, err)
	}

	k := int64(0)
	if now.After(anchor) {
		k = int64(now.Sub(anchor) / window)
	}
	windowStart := anchor.Add(time.Duration(k) * window)
	resetAt := windowStart.Add(window)

	count, err := l.store.Incr(ctx, fmt.Sprintf("%s:%d", clientID, k), 2*window)
	if err != nil {
		return l.unavailable(clientID, limit, err)
	}
	if count == 1 {
		l.extendAnchor(ctx, clientID, anchor, window)
	}

	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
		Count:     count,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d
}

func (l *Limiter) anchor(ctx context.Context, clientID string, now time.Time, window time.Duration) (time.Time, error) {
	key := anchorKey(clientID)
	for i := 0; i < 2; i++ {
		raw, err := l.store.Get(ctx, key)
		if err == nil {
			ms, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return time.Time{}, fmt.Errorf("window anchor %q: %w", raw, perr)
			}
			return time.UnixMilli(ms), nil
		}
		if !errors.Is(err, kv.ErrMiss) {
			return time.Time{}, err
		}
		val := []byte(strconv.FormatInt(now.UnixMilli(), 10))
		ok, err := l.store.SetNX(ctx, key, val, anchorTTL(window))
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return time.UnixMilli(now.UnixMilli()), nil
		}
	}
	return time.Time{}, fmt.Errorf("window anchor for %s is contended", clientID)
}

// extendAnchor keeps the anchor alive while the client is active so a live
// window is never restarted early.
func (l *Limiter) extendAnchor(ctx context.Context, clientID string, anchor time.Time, window time.Duration) {
	val := []byte(strconv.FormatInt(anchor.UnixMilli(), 10))
	if _, err := l.store.CompareAndSet(ctx, anchorKey(clientID), val, val, anchorTTL(window)); err != nil {
		l.logger.Debug("window anchor refresh failed", "client", clientID, "error", err)
	}
}

func (l *Limiter) unavailable(clientID string, limit int, err error) Decision {
	if l.failClosed {
		l.logger.Warn("rate limit store unavailable, denying", "client", clientID, "error", err)
		return Decision{Allowed: false, Limit: limit, Degraded: true, RetryAfter: time.Second, ResetAt: l.now().Add(time.Second)}
	}
	l.logger.Warn("rate limit store unavailable, admitting", "client", clientID, "error", err)
	return Decision{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}
}

func clientKey(class RouteClass, identity domain.Identity) string {
	kind := "user"
	if identity.Anonymous {
		kind = "anon"
	}
	return fmt.Sprintf("rl:%s:%s:%s", class, kind, identity.ID)
}

func anchorKey(clientID string) string {
	return clientID + ":anchor"
}

func anchorTTL(window time.Duration) time.Duration {
	return 2*window + time.Minute
}

func outcome(d Decision) string {
	switch {
	case d.Degraded:
		return "degraded"
	case d.Allowed:
		return "allowed"
	}
	return "denied"
}
