package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func bucketCount(l *Limiter) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func TestLimiter_WaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://blog.test/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://blog.test/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://one.test/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://two.test/"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, bucketCount(l))
}

func TestLimiter_WWWSharesBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.blog.test/feed"))
	require.NoError(t, l.Wait(ctx, "https://blog.test/post"))
	require.Equal(t, 1, bucketCount(l))
	require.Equal(t, "unknown", hostOf("::bad"))
}

func TestLimiter_ContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.test"))
}

func TestLimiter_NilAndUnlimited(t *testing.T) {
	t.Parallel()

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://x.test"))

	l := New(Config{})
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "::bad"))
	}
}
