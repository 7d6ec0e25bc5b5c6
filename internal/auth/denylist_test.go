package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUDenylist(t *testing.T) {
	clock := newFakeClock()
	d := NewLRUDenylist(10, time.Hour)
	d.now = clock.Now
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "jti-1", clock.Now().Add(time.Minute)))
	require.NoError(t, d.Add(ctx, "jti-expired", clock.Now().Add(-time.Second)))

	ok, err := d.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Contains(ctx, "jti-expired")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = d.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLRUDenylistClaim(t *testing.T) {
	clock := newFakeClock()
	d := NewLRUDenylist(10, time.Hour)
	d.now = clock.Now
	ctx := context.Background()
	until := clock.Now().Add(time.Minute)

	ok, err := d.Claim(ctx, "jti-1", until)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, "jti-1", until)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Add(ctx, "jti-2", until))
	ok, err = d.Claim(ctx, "jti-2", until)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Claim(ctx, "jti-3", clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "an already expired token cannot be claimed")

	clock.Advance(2 * time.Minute)
	ok, err = d.Claim(ctx, "jti-1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "an expired entry no longer blocks its id")
}

func TestLRUDenylistCountsCapacityEvictions(t *testing.T) {
	clock := newFakeClock()
	d := NewLRUDenylist(3, time.Hour)
	d.now = clock.Now
	ctx := context.Background()
	until := clock.Now().Add(time.Minute)

	for _, id := range []string{"jti-1", "jti-2", "jti-3"} {
		require.NoError(t, d.Add(ctx, id, until))
	}
	assert.Zero(t, d.Evicted())

	require.NoError(t, d.Add(ctx, "jti-4", until))
	assert.Equal(t, int64(1), d.Evicted())

	ok, err := d.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok, "the oldest id is dropped once the list is full")
	for _, id := range []string{"jti-2", "jti-3", "jti-4"} {
		ok, err := d.Contains(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}

	// removing an expired entry is not a capacity eviction
	clock.Advance(2 * time.Minute)
	ok, err = d.Contains(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), d.Evicted())
}

func TestRedisDenylist(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDenylist(client)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "jti-1", time.Now().Add(time.Minute)))
	ok, err := d.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(denylistKeyPrefix+"jti-1"))

	ok, err = d.Contains(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = d.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Claim(ctx, "jti-3", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, "jti-3", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.TTL(denylistKeyPrefix+"jti-3") > 0)

	mr.SetError("server unavailable")
	_, err = d.Contains(ctx, "jti-1")
	require.Error(t, err)
	_, err = d.Claim(ctx, "jti-4", time.Now().Add(time.Minute))
	require.Error(t, err)
}
