package state_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon/beacontest"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/monitor"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/state"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

var (
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	siteA = beacon.Identity{UUID: uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e"), Major: 7}
	siteB = beacon.Identity{UUID: siteA.UUID, Major: 8}
)

type fixture struct {
	m   *state.Machine
	clk *clock.Manual
	rec *telemetry.Recorder

	mu  sync.Mutex
	trs []state.Transition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewManual(t0), rec: telemetry.NewRecorder()}
	f.m = state.New(f.clk, state.WithTelemetry(f.rec))
	f.m.Subscribe(func(tr state.Transition) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.trs = append(f.trs, tr)
	})
	return f
}

func (f *fixture) transitions() []state.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]state.Transition(nil), f.trs...)
}

func (f *fixture) last() state.Transition {
	trs := f.transitions()
	if len(trs) == 0 {
		return state.Transition{}
	}
	return trs[len(trs)-1]
}

func (f *fixture) evidence(id beacon.Identity, value float64, corroborations int) {
	f.m.HandleEvidence(state.Evidence{
		Identity:       id,
		Reading:        smoother.Reading{Identity: id, Value: value, SampleCount: 1, LastUpdated: f.clk.Now()},
		At:             f.clk.Now(),
		Corroborations: corroborations,
	})
}

// present drives siteA to Present.
func (f *fixture) present(t *testing.T) {
	t.Helper()
	f.m.HandleEnter(siteA)
	f.evidence(siteA, -65, 0)
	require.Equal(t, state.Present, f.m.State(siteA))
}

// ── Entry ───────────────────────────────────────────────────────────────────

func TestEnter_UnconfirmedTimesOut(t *testing.T) {
	f := newFixture(t)

	f.m.HandleEnter(siteA)
	rec, ok := f.m.Record(siteA)
	require.True(t, ok)
	assert.Equal(t, state.Entering, rec.State)
	assert.Equal(t, t0, rec.EnteredAt)

	f.clk.Advance(10*time.Second - time.Millisecond)
	assert.Equal(t, state.Entering, f.m.State(siteA))

	f.clk.Advance(time.Millisecond)
	_, ok = f.m.Record(siteA)
	assert.False(t, ok, "record is discarded")
	last := f.last()
	assert.Equal(t, state.Entering, last.From)
	assert.Equal(t, state.NotPresent, last.To)
	assert.Equal(t, state.ReasonEntryTimeout, last.Reason)
}

func TestEnter_ConfirmedByStrongEvidence(t *testing.T) {
	f := newFixture(t)

	f.m.HandleEnter(siteA)
	f.evidence(siteA, -80, 0)
	assert.Equal(t, state.Entering, f.m.State(siteA), "below the enter threshold")

	f.clk.Advance(3 * time.Second)
	f.evidence(siteA, -72, 0)
	assert.Equal(t, state.Present, f.m.State(siteA))
	assert.Equal(t, state.ReasonEvidence, f.last().Reason)

	// The confirmation timer no longer applies.
	f.clk.Advance(time.Minute)
	assert.Equal(t, state.Present, f.m.State(siteA))
}

func TestEnter_ConfirmedByInsideSignal(t *testing.T) {
	f := newFixture(t)

	f.m.HandleEnter(siteA)
	f.m.HandleInside(siteA)

	assert.Equal(t, state.Present, f.m.State(siteA))
	assert.Equal(t, state.ReasonInside, f.last().Reason)
}

func TestEnter_CorroborationLowersBarToFloor(t *testing.T) {
	f := newFixture(t)
	f.m.HandleEnter(siteA)
	f.m.HandleEnter(siteB)

	f.evidence(siteA, -79, 1) // bar -78
	assert.Equal(t, state.Entering, f.m.State(siteA))
	f.evidence(siteA, -79, 2) // bar -81
	assert.Equal(t, state.Present, f.m.State(siteA))

	f.evidence(siteB, -83, 10) // bar floored at -81
	assert.Equal(t, state.Entering, f.m.State(siteB))
}

func TestEnter_ExitDuringEntryDiscards(t *testing.T) {
	f := newFixture(t)

	f.m.HandleEnter(siteA)
	f.m.HandleExit(siteA, false)

	assert.Equal(t, state.NotPresent, f.m.State(siteA))
	assert.Equal(t, state.ReasonEntryAbandoned, f.last().Reason)
	assert.Zero(t, f.clk.Pending())
}

// ── Exit ────────────────────────────────────────────────────────────────────

func TestSoftExit_EvidenceJustBeforeGraceRecovers(t *testing.T) {
	f := newFixture(t)
	f.present(t)

	f.m.HandleExit(siteA, false)
	assert.Equal(t, state.Leaving, f.m.State(siteA))

	f.clk.Advance(10 * time.Second)
	rec, ok := f.m.Record(siteA)
	require.True(t, ok)
	require.Equal(t, state.SoftExitPending, rec.State)
	require.NotNil(t, rec.SoftExitDeadline)
	assert.Equal(t, t0.Add(10*time.Second+2*time.Minute), *rec.SoftExitDeadline)

	f.clk.Advance(2*time.Minute - time.Millisecond)
	assert.Equal(t, state.SoftExitPending, f.m.State(siteA))

	f.evidence(siteA, -60, 0)
	rec, _ = f.m.Record(siteA)
	assert.Equal(t, state.Present, rec.State)
	assert.Nil(t, rec.SoftExitDeadline)
	assert.Equal(t, state.ReasonRecovered, f.last().Reason)

	// The cancelled grace timer never fires.
	f.clk.Advance(10 * time.Minute)
	assert.Equal(t, state.Present, f.m.State(siteA))
	for _, tr := range f.transitions() {
		assert.NotEqual(t, state.NotPresent, tr.To)
	}
}

func TestSoftExit_GraceElapsedCommitsExit(t *testing.T) {
	f := newFixture(t)
	f.present(t)
	presentAt := f.clk.Now()

	f.m.HandleExit(siteA, false)
	f.clk.Advance(10 * time.Second)
	f.evidence(siteA, -80, 0) // weak, not confirming
	f.clk.Advance(2 * time.Minute)

	last := f.last()
	assert.Equal(t, state.SoftExitPending, last.From)
	assert.Equal(t, state.NotPresent, last.To)
	assert.Equal(t, state.ReasonGraceTimeout, last.Reason)
	assert.GreaterOrEqual(t, last.At.Sub(presentAt), 2*time.Minute)
	_, ok := f.m.Record(siteA)
	assert.False(t, ok)
}

func TestLeaving_FlickerRecovers(t *testing.T) {
	f := newFixture(t)
	f.present(t)

	f.evidence(siteA, -90, 0)
	assert.Equal(t, state.Leaving, f.m.State(siteA))
	assert.Equal(t, state.ReasonWeakEvidence, f.last().Reason)

	f.clk.Advance(4 * time.Second)
	f.evidence(siteA, -70, 0)
	assert.Equal(t, state.Present, f.m.State(siteA))

	f.clk.Advance(time.Hour)
	assert.Equal(t, state.Present, f.m.State(siteA))
}

func TestConfirmedExit_SkipsGrace(t *testing.T) {
	for _, from := range []state.State{state.Present, state.Leaving, state.SoftExitPending} {
		t.Run(from.String(), func(t *testing.T) {
			f := newFixture(t)
			f.present(t)
			if from != state.Present {
				f.m.HandleExit(siteA, false)
			}
			if from == state.SoftExitPending {
				f.clk.Advance(10 * time.Second)
			}
			require.Equal(t, from, f.m.State(siteA))

			f.m.HandleExit(siteA, true)

			last := f.last()
			assert.Equal(t, from, last.From)
			assert.Equal(t, state.NotPresent, last.To)
			assert.Equal(t, state.ReasonConfirmedExit, last.Reason)
			assert.Zero(t, f.clk.Pending())
		})
	}
}

func TestReenter_RecoversFromSoftExit(t *testing.T) {
	f := newFixture(t)
	f.present(t)
	f.m.HandleExit(siteA, false)
	f.clk.Advance(10 * time.Second)

	f.m.HandleEnter(siteA)

	assert.Equal(t, state.Present, f.m.State(siteA))
}

// ── Robustness ──────────────────────────────────────────────────────────────

func TestUnexpectedEvents_AreIgnored(t *testing.T) {
	f := newFixture(t)

	f.m.HandleExit(siteA, false)
	f.m.HandleInside(siteA)
	f.evidence(siteA, -50, 0)
	assert.Empty(t, f.transitions())

	f.present(t)
	n := len(f.transitions())
	f.m.HandleEnter(siteA)
	f.m.HandleInside(siteA)
	assert.Len(t, f.transitions(), n)

	assert.Len(t, f.rec.Named(telemetry.PresenceUnexpectedEvent), 4)
}

func TestSites_AreIndependent(t *testing.T) {
	f := newFixture(t)
	f.present(t)

	f.m.HandleEnter(siteB)
	f.clk.Advance(10 * time.Second)

	assert.Equal(t, state.Present, f.m.State(siteA))
	assert.Equal(t, state.NotPresent, f.m.State(siteB))
	assert.Len(t, f.m.Records(), 1)
}

func TestTransitions_AreReported(t *testing.T) {
	f := newFixture(t)
	f.present(t)

	events := f.rec.Named(telemetry.PresenceTransition)
	require.Len(t, events, 2)
	to, ok := events[1].Attr("to")
	require.True(t, ok)
	assert.Equal(t, "present", to.String())
}

// ── Wired to the monitor ────────────────────────────────────────────────────

func TestAttach_FollowsMonitorEvents(t *testing.T) {
	f := newFixture(t)
	src := beacontest.New(0)
	c := monitor.New(src, smoother.New(smoother.Config{}, f.clk), f.clk)
	detach := f.m.Attach(c)
	defer detach()

	require.NoError(t, c.Register(context.Background(), siteA))
	raw := beacon.RawIdentity{UUID: siteA.UUID, Major: siteA.Major, Minor: 3}

	src.Enter(raw)
	assert.Equal(t, state.Entering, f.m.State(siteA))
	src.Range(raw, -60, f.clk.Now())
	assert.Equal(t, state.Present, f.m.State(siteA))

	f.clk.Advance(5 * time.Second)
	src.Exit(raw)
	assert.Equal(t, state.Leaving, f.m.State(siteA))

	// Silent verification burst confirms the exit.
	f.clk.Advance(5 * time.Second)
	last := f.last()
	assert.Equal(t, state.NotPresent, last.To)
	assert.Equal(t, state.ReasonConfirmedExit, last.Reason)
}
