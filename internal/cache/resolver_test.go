package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatcore/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// downStore fails every operation.
type downStore struct{}

var errDown = errors.New("kv unavailable")

func (downStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) Delete(context.Context, string) error { return errDown }
func (downStore) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errDown
}
func (downStore) CompareAndSet(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errDown }

var testTTL = TTL{Local: 5 * time.Minute, Distributed: 10 * time.Minute}

func newTestResolver(t *testing.T, remote kv.Store) (*Resolver, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r, err := NewResolver(remote, 100, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, clock
}

func newBadger(t *testing.T) *kv.BadgerStore {
	t.Helper()
	s, err := kv.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveSingleFlight(t *testing.T) {
	r, _ := newTestResolver(t, newBadger(t))

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Resolve(context.Background(), r, "k", testTTL, load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "value", v)
	}
}

func TestResolveTierIndependence(t *testing.T) {
	ctx := context.Background()
	remote := newBadger(t)
	r, clock := newTestResolver(t, remote)

	var calls int
	load := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Dropping the distributed entry leaves the local one serving.
	r.InvalidateDistributed(ctx, "k")
	v, err = Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, calls)

	// Once local goes stale the distributed miss falls through to the loader.
	clock.Advance(testTTL.Local)
	v, err = Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResolveLocalHitDoesNotExtendFreshness(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestResolver(t, newBadger(t))

	var calls int
	load := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}

	_, err := Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, err = Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)

	// 6 minutes after the original write: local is stale, distributed still holds it.
	clock.Advance(2 * time.Minute)
	_, ok := lookupLocal[string](r, "k", testTTL.Local)
	assert.False(t, ok)

	v, err := Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, calls)
}

func TestResolveDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, newBadger(t))

	boom := errors.New("boom")
	_, err := Resolve(ctx, r, "k", testTTL, func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := Resolve(ctx, r, "k", testTTL, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestResolveDistributedFailureDegrades(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, downStore{})

	var calls int
	load := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}
	v, err := Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	v, err = Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, calls)

	r.Invalidate(ctx, "k")
	_, err = Resolve(ctx, r, "k", testTTL, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolveServedFromDistributedAcrossResolvers(t *testing.T) {
	ctx := context.Background()
	remote := newBadger(t)
	a, _ := newTestResolver(t, remote)
	b, _ := newTestResolver(t, remote)

	type payload struct {
		Name string `json:"name"`
	}
	_, err := Resolve(ctx, a, "k", testTTL, func(ctx context.Context) (payload, error) {
		return payload{Name: "x"}, nil
	})
	require.NoError(t, err)

	got, err := Resolve(ctx, b, "k", testTTL, func(ctx context.Context) (payload, error) {
		t.Error("loader must not run when the distributed tier holds the key")
		return payload{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
}

func TestResolveWaiterCancellation(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := Resolve(context.Background(), r, "k", testTTL, func(ctx context.Context) (string, error) {
			<-release
			return "shared", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "shared", v)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Resolve(ctx, r, "k", testTTL, func(ctx context.Context) (string, error) {
		return "other", nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-done
}
