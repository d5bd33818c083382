package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestBadgerSetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := s.CompareAndDelete(ctx, "lock", []byte("b"))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "lock", []byte("a"))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "lock", []byte("a"))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBadgerCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.CompareAndSet(ctx, "k", []byte("a"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))
	ok, err = s.CompareAndSet(ctx, "k", []byte("x"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSet(ctx, "k", []byte("a"), []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestBadgerIncrIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Incr(ctx, "counter", time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker+1), n)
}

func TestBadgerCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Incr(ctx, "counter", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerRunGCInMemory(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.RunGC(0.5))
}
