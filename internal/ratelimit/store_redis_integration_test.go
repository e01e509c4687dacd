//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentd/pkg/testutil/containers"
)

func TestRedisStoreSharedWindow(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	a := NewRedisStore(rc.Client, "test:rl:")
	b := NewRedisStore(rc.Client, "test:rl:")

	res, err := a.Allow(ctx, "ip", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = b.Allow(ctx, "ip", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "second replica shares the window")
	assert.Equal(t, 0, res.Remaining)

	res, err = a.Allow(ctx, "ip", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.ResetAt.After(time.Now()))

	ttl, err := rc.Client.PTTL(ctx, "test:rl:ip").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestRedisStoreWindowSlides(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()

	now := time.Now()
	s := NewRedisStore(rc.Client, "test:slide:")
	s.now = func() time.Time { return now }

	res, err := s.Allow(ctx, "ip", 1, time.Second)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = s.Allow(ctx, "ip", 1, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	now = now.Add(1100 * time.Millisecond)
	res, err = s.Allow(ctx, "ip", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
