package delivery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

type transition struct{ from, to delivery.BreakerState }

func newBreaker(t *testing.T) (*delivery.Breaker, *[]transition) {
	t.Helper()
	var changes []transition
	b := delivery.NewBreaker("ep", delivery.BreakerConfig{}, func(_ string, from, to delivery.BreakerState) {
		changes = append(changes, transition{from, to})
	})
	return b, &changes
}

func fail(t *testing.T, b *delivery.Breaker, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Allow(now))
		b.Record(now, false)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, changes := newBreaker(t)

	fail(t, b, t0, 4)
	assert.Equal(t, delivery.BreakerClosed, b.State(t0))

	fail(t, b, t0, 1)
	assert.Equal(t, delivery.BreakerOpen, b.State(t0))
	assert.Equal(t, []transition{{delivery.BreakerClosed, delivery.BreakerOpen}}, *changes)

	err := b.Allow(t0.Add(29 * time.Second))
	require.Error(t, err)
	assert.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	assert.True(t, errs.Retryable(err))

	var ce *errs.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, t0.Add(30*time.Second), ce.RetryAfter)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(t)

	fail(t, b, t0, 4)
	require.NoError(t, b.Allow(t0))
	b.Record(t0, true)
	fail(t, b, t0, 4)

	assert.Equal(t, delivery.BreakerClosed, b.State(t0))
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b, _ := newBreaker(t)
	fail(t, b, t0, 5)

	after := t0.Add(30 * time.Second)
	require.NoError(t, b.Allow(after))

	err := b.Allow(after)
	assert.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err), "second caller while the probe is out")

	b.Record(after, true)
	assert.Equal(t, delivery.BreakerHalfOpen, b.State(after))

	require.NoError(t, b.Allow(after))
	b.Record(after, true)
	assert.Equal(t, delivery.BreakerClosed, b.State(after))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, changes := newBreaker(t)
	fail(t, b, t0, 5)

	after := t0.Add(30 * time.Second)
	require.NoError(t, b.Allow(after))
	b.Record(after, true)
	require.NoError(t, b.Allow(after))
	b.Record(after, false)

	assert.Equal(t, delivery.BreakerOpen, b.State(after))
	assert.Error(t, b.Allow(after.Add(29*time.Second)))
	assert.Equal(t, []transition{
		{delivery.BreakerClosed, delivery.BreakerOpen},
		{delivery.BreakerOpen, delivery.BreakerHalfOpen},
		{delivery.BreakerHalfOpen, delivery.BreakerOpen},
	}, *changes)
}

func TestBreaker_AbandonReleasesProbe(t *testing.T) {
	b, _ := newBreaker(t)
	fail(t, b, t0, 5)

	after := t0.Add(time.Minute)
	require.NoError(t, b.Allow(after))
	b.Abandon()
	assert.NoError(t, b.Allow(after))
}

func TestBreakerSet_PerEndpoint(t *testing.T) {
	set := delivery.NewBreakerSet(delivery.BreakerConfig{FailureThreshold: 1}, nil)

	a := set.Get("a")
	assert.Same(t, a, set.Get("a"))
	require.NoError(t, a.Allow(t0))
	a.Record(t0, false)

	assert.NoError(t, set.Get("b").Allow(t0))
	assert.Equal(t, []delivery.EndpointState{
		{Endpoint: "a", State: delivery.BreakerOpen},
		{Endpoint: "b", State: delivery.BreakerClosed},
	}, set.States(t0))
}
