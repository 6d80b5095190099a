// Package state turns monitoring events and smoothed evidence into presence
// decisions. Entry is confirmed quickly; exit commits only on a confirmed
// exit signal or after a full grace window without contradicting evidence.
package state

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
	"github.com/BrandonDHaskell/Portunus/presence/internal/keylock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/monitor"
	"github.com/BrandonDHaskell/Portunus/presence/internal/pubsub"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

const (
	DefaultEnterThreshold     = -75.0
	DefaultExitThreshold      = -85.0
	DefaultConfirmationWindow = 10 * time.Second
	DefaultLeavingWindow      = 10 * time.Second
	DefaultGracePeriod        = 2 * time.Minute
	DefaultCorroborationStep  = 3.0
	DefaultConfirmationFloor  = -81.0
)

type Config struct {
	// EnterThreshold is the smoothed RSSI (dBm) at or above which evidence
	// confirms presence.
	EnterThreshold float64
	// ExitThreshold is the smoothed RSSI below which a present site starts
	// leaving. Must sit below EnterThreshold.
	ExitThreshold float64

	ConfirmationWindow time.Duration
	LeavingWindow      time.Duration
	GracePeriod        time.Duration

	// CorroborationStep lowers EnterThreshold per corroborating signal,
	// never below ConfirmationFloor.
	CorroborationStep float64
	ConfirmationFloor float64
}

func (c Config) normalized() Config {
	if c.EnterThreshold == 0 {
		c.EnterThreshold = DefaultEnterThreshold
	}
	if c.ExitThreshold == 0 || c.ExitThreshold >= c.EnterThreshold {
		c.ExitThreshold = math.Min(DefaultExitThreshold, c.EnterThreshold-10)
	}
	if c.ConfirmationWindow <= 0 {
		c.ConfirmationWindow = DefaultConfirmationWindow
	}
	if c.LeavingWindow <= 0 {
		c.LeavingWindow = DefaultLeavingWindow
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.CorroborationStep <= 0 {
		c.CorroborationStep = DefaultCorroborationStep
	}
	if c.ConfirmationFloor == 0 || c.ConfirmationFloor > c.EnterThreshold {
		c.ConfirmationFloor = math.Min(DefaultConfirmationFloor, c.EnterThreshold)
	}
	if c.ConfirmationFloor <= c.ExitThreshold {
		c.ConfirmationFloor = c.ExitThreshold + 1
	}
	return c
}

// threshold is the confirmation bar after corroboration.
func (c Config) threshold(corroborations int) float64 {
	if corroborations <= 0 {
		return c.EnterThreshold
	}
	return math.Max(c.EnterThreshold-float64(corroborations)*c.CorroborationStep, c.ConfirmationFloor)
}

type Option func(*Machine)

func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg.normalized() }
}

func WithTelemetry(s telemetry.Sink) Option {
	return func(m *Machine) { m.sink = telemetry.OrNop(s) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type entry struct {
	rec   Record
	gen   uint64
	timer clock.Timer
}

// Machine holds one presence record per identity. Inputs for the same
// identity are serialized; unrelated sites never share a lock.
type Machine struct {
	clock  clock.Clock
	cfg    Config
	sink   telemetry.Sink
	logger *slog.Logger

	mu      sync.Mutex
	records map[beacon.Identity]*entry

	keys        keylock.Map[beacon.Identity]
	transitions pubsub.Hub[Transition]
}

func New(clk clock.Clock, opts ...Option) *Machine {
	m := &Machine{
		clock:   clock.OrReal(clk),
		cfg:     Config{}.normalized(),
		sink:    telemetry.Nop(),
		logger:  telemetry.NopLogger(),
		records: make(map[beacon.Identity]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for every transition. Transitions for one identity
// are delivered in order on the goroutine that caused them.
func (m *Machine) Subscribe(fn func(Transition)) (unsubscribe func()) {
	return m.transitions.Subscribe(fn)
}

// Attach feeds the coordinator's normalized events into the machine.
func (m *Machine) Attach(c *monitor.Coordinator) (detach func()) {
	return c.Subscribe(func(ev monitor.Event) {
		switch ev.Kind {
		case monitor.EventEnter:
			m.HandleEnter(ev.Identity)
		case monitor.EventExit:
			m.HandleExit(ev.Identity, ev.Confirmed)
		case monitor.EventSample:
			m.HandleEvidence(Evidence{Identity: ev.Identity, Reading: ev.Reading, At: ev.At})
		case monitor.EventMonitoringFailed:
			// Losing the region is not proof of departure.
			m.HandleExit(ev.Identity, false)
		}
	})
}

// Record returns the current record for id; ok is false when NotPresent.
func (m *Machine) Record(id beacon.Identity) (Record, bool) {
	unlock := m.keys.Lock(id)
	defer unlock()
	e := m.lookup(id)
	if e == nil {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// State returns the current state for id.
func (m *Machine) State(id beacon.Identity) State {
	rec, ok := m.Record(id)
	if !ok {
		return NotPresent
	}
	return rec.State
}

// Records returns every non-NotPresent record.
func (m *Machine) Records() []Record {
	m.mu.Lock()
	ids := make([]beacon.Identity, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.Record(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// HandleEnter processes a region enter event.
func (m *Machine) HandleEnter(id beacon.Identity) {
	unlock := m.keys.Lock(id)
	defer unlock()

	now := m.clock.Now()
	e := m.lookup(id)
	if e == nil {
		e = &entry{rec: Record{Identity: id, State: NotPresent, EnteredAt: now}}
		m.mu.Lock()
		m.records[id] = e
		m.mu.Unlock()
		m.transition(e, Entering, ReasonEnter, now)
		m.arm(e, m.cfg.ConfirmationWindow, Entering)
		return
	}

	switch e.rec.State {
	case Leaving, SoftExitPending:
		m.recover(e, ReasonInside, now)
	default:
		m.unexpected(id, e.rec.State, "enter")
	}
}

// HandleInside processes an explicit "inside region" confirmation.
func (m *Machine) HandleInside(id beacon.Identity) {
	unlock := m.keys.Lock(id)
	defer unlock()

	now := m.clock.Now()
	e := m.lookup(id)
	if e == nil {
		m.unexpected(id, NotPresent, "inside")
		return
	}
	switch e.rec.State {
	case Entering, Leaving, SoftExitPending:
		m.recover(e, ReasonInside, now)
	default:
		m.unexpected(id, e.rec.State, "inside")
	}
}

// HandleExit processes a region exit. confirmed marks an exit the monitoring
// layer verified; only a confirmed exit may skip the grace window.
func (m *Machine) HandleExit(id beacon.Identity, confirmed bool) {
	unlock := m.keys.Lock(id)
	defer unlock()

	now := m.clock.Now()
	e := m.lookup(id)
	if e == nil {
		if !confirmed {
			m.unexpected(id, NotPresent, "exit")
		}
		return
	}

	switch e.rec.State {
	case Entering:
		m.end(e, ReasonEntryAbandoned, now)
	case Present:
		if confirmed {
			m.end(e, ReasonConfirmedExit, now)
			return
		}
		m.transition(e, Leaving, ReasonExitEvent, now)
		m.arm(e, m.cfg.LeavingWindow, Leaving)
	case Leaving, SoftExitPending:
		if confirmed {
			m.end(e, ReasonConfirmedExit, now)
			return
		}
		m.unexpected(id, e.rec.State, "exit")
	}
}

// HandleEvidence processes a smoothed reading.
func (m *Machine) HandleEvidence(ev Evidence) {
	unlock := m.keys.Lock(ev.Identity)
	defer unlock()

	e := m.lookup(ev.Identity)
	if e == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	e.rec.LastEvidenceAt = at

	confirming := ev.Reading.SampleCount > 0 && ev.Reading.Value >= m.cfg.threshold(ev.Corroborations)
	switch e.rec.State {
	case Entering:
		if confirming {
			m.recover(e, ReasonEvidence, at)
		}
	case Present:
		if ev.Reading.Value < m.cfg.ExitThreshold {
			m.transition(e, Leaving, ReasonWeakEvidence, at)
			m.arm(e, m.cfg.LeavingWindow, Leaving)
		}
	case Leaving, SoftExitPending:
		if confirming {
			m.recover(e, ReasonRecovered, at)
		}
	}
}

// ── internals (identity lock held) ──────────────────────────────────────────

func (m *Machine) lookup(id beacon.Identity) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *Machine) recover(e *entry, reason string, at time.Time) {
	m.disarm(e)
	e.rec.SoftExitDeadline = nil
	m.transition(e, Present, reason, at)
}

// end moves e to NotPresent and destroys its record. From Entering it
// discards a blip; from later states it commits an exit.
func (m *Machine) end(e *entry, reason string, at time.Time) {
	m.disarm(e)
	m.drop(e)
	m.transition(e, NotPresent, reason, at)
}

func (m *Machine) drop(e *entry) {
	m.mu.Lock()
	if m.records[e.rec.Identity] == e {
		delete(m.records, e.rec.Identity)
	}
	m.mu.Unlock()
}

func (m *Machine) transition(e *entry, to State, reason string, at time.Time) {
	from := e.rec.State
	e.rec.State = to
	tr := Transition{
		Identity: e.rec.Identity,
		From:     from,
		To:       to,
		At:       at,
		Reason:   reason,
		Record:   e.rec.clone(),
	}
	m.sink.Record(context.Background(), telemetry.Info(telemetry.PresenceTransition,
		slog.String("identity", e.rec.Identity.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	))
	m.transitions.Publish(tr)
}

func (m *Machine) unexpected(id beacon.Identity, st State, event string) {
	err := errs.WithMetadata(errs.CodeUnexpectedEvent, "event ignored in current state",
		map[string]string{"state": st.String(), "event": event})
	m.sink.Record(context.Background(), telemetry.Warn(telemetry.PresenceUnexpectedEvent,
		slog.String("identity", id.String()),
		slog.String("state", st.String()),
		slog.String("event", event),
		slog.String("code", string(errs.CodeOf(err))),
	))
	m.logger.Debug("presence: ignored event", "identity", id.String(), "error", err)
}

// arm replaces the entry's timer with one that fires only if the entry is
// still in state when it elapses.
func (m *Machine) arm(e *entry, d time.Duration, state State) {
	m.disarm(e)
	gen := e.gen
	id := e.rec.Identity
	e.timer = m.clock.AfterFunc(d, func() { m.elapsed(id, gen, state) })
}

func (m *Machine) disarm(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Machine) elapsed(id beacon.Identity, gen uint64, state State) {
	unlock := m.keys.Lock(id)
	defer unlock()

	e := m.lookup(id)
	if e == nil || e.gen != gen || e.rec.State != state {
		return
	}
	e.timer = nil
	now := m.clock.Now()

	switch state {
	case Entering:
		m.end(e, ReasonEntryTimeout, now)
	case Leaving:
		deadline := now.Add(m.cfg.GracePeriod)
		e.rec.SoftExitDeadline = &deadline
		m.transition(e, SoftExitPending, ReasonLeavingTimeout, now)
		m.arm(e, m.cfg.GracePeriod, SoftExitPending)
	case SoftExitPending:
		m.end(e, ReasonGraceTimeout, now)
	}
}
