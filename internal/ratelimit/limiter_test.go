package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRule = Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: 2 * time.Second}

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, testRule.Key+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client, zerolog.Nop()), client
}

func TestCheck_LimitAndRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		d, err := l.Check(ctx, "u1", testRule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, testRule.Limit-i-1, d.Remaining)
	}

	d, err := l.Check(ctx, "u1", testRule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, testRule.Window)

	other, err := l.Check(ctx, "u2", testRule)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestCheck_WindowExpires(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule
	rule.Window = 500 * time.Millisecond

	for i := 0; i <= rule.Limit; i++ {
		_, err := l.Check(ctx, "short", rule)
		require.NoError(t, err)
	}
	allowed, err := l.Allow(ctx, "short", rule)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(700 * time.Millisecond)
	allowed, err = l.Allow(ctx, "short", rule)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "fresh", testRule)
	require.NoError(t, err)
	assert.Equal(t, testRule.Limit, n)

	_, _ = l.Allow(ctx, "fresh", testRule)
	n, err = l.Remaining(ctx, "fresh", testRule)
	require.NoError(t, err)
	assert.Equal(t, testRule.Limit-1, n)
}

func TestCheck_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zerolog.Nop())

	d, err := l.Check(context.Background(), "u1", testRule)
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}
