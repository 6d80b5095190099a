package smoother_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
)

var (
	t0   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	site = beacon.Identity{UUID: uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e"), Major: 7}
)

func sample(id beacon.Identity, rssi int, at time.Time) beacon.Sample {
	return beacon.Sample{Identity: id, RSSI: rssi, At: at}
}

func TestObserve_FirstSampleInitializes(t *testing.T) {
	s := smoother.New(smoother.Config{}, clock.NewManual(t0))

	r := s.Observe(sample(site, -70, t0))
	assert.Equal(t, -70.0, r.Value)
	assert.Equal(t, 1, r.SampleCount)
	assert.Equal(t, t0, r.LastUpdated)
}

func TestObserve_EWMA(t *testing.T) {
	s := smoother.New(smoother.Config{Alpha: 0.5}, clock.NewManual(t0))

	var r smoother.Reading
	for i, v := range []int{-80, -82, -60, -58, -57} {
		r = s.Observe(sample(site, v, t0.Add(time.Duration(i)*time.Second)))
	}
	assert.InDelta(t, -60.625, r.Value, 1e-9)
	assert.Equal(t, 5, r.SampleCount)

	got, ok := s.Reading(site)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestObserve_ConvergesToConstantInput(t *testing.T) {
	s := smoother.New(smoother.Config{Alpha: 0.2}, clock.NewManual(t0))

	s.Observe(sample(site, -95, t0))
	prev := math.Abs(-95.0 - -60.0)
	for i := 1; i < 60; i++ {
		r := s.Observe(sample(site, -60, t0.Add(time.Duration(i)*time.Second)))
		dist := math.Abs(r.Value - -60.0)
		assert.LessOrEqual(t, dist, prev)
		prev = dist
	}
	assert.Less(t, prev, 0.01)
}

func TestObserve_IdentitiesAreIndependent(t *testing.T) {
	s := smoother.New(smoother.Config{Alpha: 0.5}, clock.NewManual(t0))
	other := beacon.Identity{UUID: site.UUID, Major: 8}

	s.Observe(sample(site, -50, t0))
	s.Observe(sample(other, -90, t0))
	s.Observe(sample(site, -60, t0))

	a, _ := s.Reading(site)
	b, _ := s.Reading(other)
	assert.InDelta(t, -55.0, a.Value, 1e-9)
	assert.InDelta(t, -90.0, b.Value, 1e-9)
}

func TestPurge_EvictsIdleReadings(t *testing.T) {
	s := smoother.New(smoother.Config{IdleTTL: time.Minute}, clock.NewManual(t0))
	fresh := beacon.Identity{UUID: site.UUID, Major: 8}

	s.Observe(sample(site, -70, t0))
	s.Observe(sample(fresh, -70, t0.Add(50*time.Second)))

	n := s.Purge(t0.Add(90 * time.Second))
	assert.Equal(t, 1, n)

	_, ok := s.Reading(site)
	assert.False(t, ok)
	_, ok = s.Reading(fresh)
	assert.True(t, ok)

	// A purged identity starts over from its next raw sample.
	r := s.Observe(sample(site, -40, t0.Add(2*time.Minute)))
	assert.Equal(t, -40.0, r.Value)
	assert.Equal(t, 1, r.SampleCount)
}

func TestRun_PurgesOnClockTicks(t *testing.T) {
	clk := clock.NewManual(t0)
	s := smoother.New(smoother.Config{IdleTTL: time.Minute}, clk)
	s.Observe(sample(site, -70, t0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 30*time.Second)
		close(done)
	}()

	armed := func() bool { return clk.Pending() == 1 }
	for i := 0; i < 2; i++ {
		require.Eventually(t, armed, time.Second, time.Millisecond)
		clk.Advance(30 * time.Second)
	}
	require.Eventually(t, armed, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.Len(), "reading is not idle yet at one minute")

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, clk.Pending())
}

func TestForget(t *testing.T) {
	s := smoother.New(smoother.Config{}, clock.NewManual(t0))
	s.Observe(sample(site, -70, t0))
	s.Forget(site)

	_, ok := s.Reading(site)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestObserve_ConcurrentWithPurge(t *testing.T) {
	s := smoother.New(smoother.Config{IdleTTL: time.Nanosecond}, clock.NewManual(t0))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(major uint16) {
			defer wg.Done()
			id := beacon.Identity{UUID: site.UUID, Major: major}
			for i := 0; i < 200; i++ {
				r := s.Observe(sample(id, -60, t0))
				assert.GreaterOrEqual(t, r.SampleCount, 1)
			}
		}(uint16(g))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Purge(t0.Add(time.Hour))
		}
	}()
	wg.Wait()
}
