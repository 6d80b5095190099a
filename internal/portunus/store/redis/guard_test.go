package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/redis"
)

func newGuard(t *testing.T, opts ...redis.Option) (*redis.Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redis.NewGuard(client, opts...), mr
}

func TestGuard_ClaimOnce(t *testing.T) {
	g, mr := newGuard(t, redis.WithPrefix("test:"))
	ctx := context.Background()

	ok, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same key")

	assert.True(t, mr.Exists("test:k1"))
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	_, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "k1"))

	ok, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ClaimExpires(t *testing.T) {
	g, mr := newGuard(t, redis.WithTTL(time.Minute))
	ctx := context.Background()

	_, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	ok, err := g.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	g := redis.NewGuard(client)
	mr.Close()

	_, err = g.Claim(context.Background(), "k1")
	assert.Error(t, err)
}
