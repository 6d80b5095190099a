// Package redis fronts the attendance store with a shared idempotency
// guard so replicated collectors answer replays without a database write.
package redis

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

const defaultTTL = 48 * time.Hour

// Guard implements store.IdempotencyGuard with SET NX.
type Guard struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

type Option func(*Guard)

// WithTTL sets how long a claimed key is remembered. It should cover the
// agent's longest retry horizon.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(g *Guard) { g.prefix = prefix }
}

func NewGuard(client backend.UniversalClient, opts ...Option) *Guard {
	g := &Guard{client: client, prefix: "portunus:idem:", ttl: defaultTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Claim returns true when key had not been claimed yet.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().UnixMilli(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
