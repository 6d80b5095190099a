// Package monitor normalizes the beacon source's region callbacks. It keys
// everything by site identity (UUID+major), collapses duplicate enter/exit
// notifications, enforces the monitored-region cap, and replaces continuous
// ranging with time-boxed bursts.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
	"github.com/BrandonDHaskell/Portunus/presence/internal/keylock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
	"github.com/BrandonDHaskell/Portunus/presence/internal/pubsub"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

const (
	DefaultMaxRegions    = 20
	DefaultBurstDuration = 5 * time.Second
	DefaultRestInterval  = 25 * time.Second
)

type Config struct {
	// MaxRegions caps simultaneously monitored identities.
	MaxRegions int
	// BurstDuration is how long ranging stays on per burst.
	BurstDuration time.Duration
	// RestInterval separates bursts while a region is occupied.
	RestInterval time.Duration
}

func (c Config) normalized() Config {
	if c.MaxRegions <= 0 {
		c.MaxRegions = DefaultMaxRegions
	}
	if c.BurstDuration <= 0 {
		c.BurstDuration = DefaultBurstDuration
	}
	if c.RestInterval <= 0 {
		c.RestInterval = DefaultRestInterval
	}
	return c
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.normalized() }
}

func WithTelemetry(s telemetry.Sink) Option {
	return func(c *Coordinator) { c.sink = telemetry.OrNop(s) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// region is guarded by the coordinator's per-identity lock.
type region struct {
	id         beacon.Identity
	monitoring bool
	inside     bool

	burstActive   bool
	burstDeadline time.Time
	burstGen      uint64
	burstTimer    clock.Timer
	burstSamples  int
	burstDone     chan struct{}
	verifying     bool

	restGen   uint64
	restTimer clock.Timer
}

// Coordinator sits between the beacon source and the presence state
// machine. It is the source's only delegate.
type Coordinator struct {
	src    beacon.Source
	sm     *smoother.Smoother
	clock  clock.Clock
	cfg    Config
	sink   telemetry.Sink
	logger *slog.Logger

	mu      sync.Mutex
	regions map[beacon.Identity]*region
	auth    beacon.AuthorizationStatus

	keys   keylock.Map[beacon.Identity]
	events pubsub.Hub[Event]
	flight singleflight.Group
}

// New builds a coordinator and installs it as src's delegate.
func New(src beacon.Source, sm *smoother.Smoother, clk clock.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		src:     src,
		sm:      sm,
		clock:   clock.OrReal(clk),
		cfg:     Config{}.normalized(),
		sink:    telemetry.Nop(),
		logger:  telemetry.NopLogger(),
		regions: make(map[beacon.Identity]*region),
		auth:    beacon.AuthorizationUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	src.SetDelegate(c)
	return c
}

// Subscribe registers fn for every normalized event. Events for one
// identity are delivered in order; fn must not call back into the
// coordinator for the same identity.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Authorization returns the last status reported by the source.
func (c *Coordinator) Authorization() beacon.AuthorizationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Register starts monitoring id. Registering an identity twice is a no-op.
func (c *Coordinator) Register(ctx context.Context, id beacon.Identity) error {
	c.mu.Lock()
	if !c.auth.Permits() {
		status := c.auth
		c.mu.Unlock()
		return errs.WithMetadata(errs.CodeUnauthorized, "beacon monitoring not authorized",
			map[string]string{"status": string(status)})
	}
	if _, ok := c.regions[id]; ok {
		c.mu.Unlock()
		return nil
	}
	if len(c.regions) >= c.cfg.MaxRegions {
		n := len(c.regions)
		c.mu.Unlock()
		c.sink.Record(ctx, telemetry.Warn(telemetry.MonitorCapacityRejected,
			slog.String("identity", id.String()),
			slog.Int("monitored", n),
		))
		return errs.WithMetadata(errs.CodeCapacity, "monitored region limit reached",
			map[string]string{"identity": id.String(), "limit": fmt.Sprint(c.cfg.MaxRegions)})
	}
	r := &region{id: id}
	c.regions[id] = r
	c.mu.Unlock()

	if err := c.src.StartMonitoring(ctx, id); err != nil {
		c.mu.Lock()
		if c.regions[id] == r {
			delete(c.regions, id)
		}
		c.mu.Unlock()
		return fmt.Errorf("start monitoring %s: %w", id, err)
	}

	unlock := c.keys.Lock(id)
	r.monitoring = true
	unlock()

	c.logger.Info("monitor: registered", "identity", id.String())
	return nil
}

// Unregister stops monitoring id. An occupied region publishes an
// unconfirmed exit so presence falls back to its grace window.
func (c *Coordinator) Unregister(ctx context.Context, id beacon.Identity) error {
	unlock := c.keys.Lock(id)
	defer unlock()

	c.mu.Lock()
	r, ok := c.regions[id]
	delete(c.regions, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.cancelTimersLocked(r)
	if r.burstActive {
		c.finishBurstLocked(ctx, r)
	}
	r.monitoring = false
	if r.inside {
		r.inside = false
		c.events.Publish(Event{Kind: EventExit, Identity: id, Raw: beacon.RawIdentity{UUID: id.UUID, Major: id.Major}, At: c.clock.Now()})
	}

	if err := c.src.StopMonitoring(ctx, id); err != nil {
		return fmt.Errorf("stop monitoring %s: %w", id, err)
	}
	c.logger.Info("monitor: unregistered", "identity", id.String())
	return nil
}

// Regions returns a snapshot of every registered identity, sorted.
func (c *Coordinator) Regions() []RegionStatus {
	c.mu.Lock()
	rs := make([]*region, 0, len(c.regions))
	for _, r := range c.regions {
		rs = append(rs, r)
	}
	c.mu.Unlock()

	out := make([]RegionStatus, 0, len(rs))
	for _, r := range rs {
		unlock := c.keys.Lock(r.id)
		out = append(out, RegionStatus{
			Identity:      r.id,
			Monitoring:    r.monitoring,
			Inside:        r.inside,
			BurstActive:   r.burstActive,
			BurstDeadline: r.burstDeadline,
		})
		unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out
}

// RequestEvidence runs (or joins) a ranging burst for id and returns the
// smoothed reading once it ends. Concurrent callers share one burst.
func (c *Coordinator) RequestEvidence(ctx context.Context, id beacon.Identity) (smoother.Reading, error) {
	ch := c.flight.DoChan(id.String(), func() (any, error) {
		done, err := c.joinBurst(id)
		if err != nil {
			return nil, err
		}
		<-done
		reading, ok := c.sm.Reading(id)
		if !ok {
			return nil, errs.WithMetadata(errs.CodeNotFound, "no evidence for identity",
				map[string]string{"identity": id.String()})
		}
		return reading, nil
	})

	select {
	case <-ctx.Done():
		return smoother.Reading{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return smoother.Reading{}, res.Err
		}
		return res.Val.(smoother.Reading), nil
	}
}

func (c *Coordinator) joinBurst(id beacon.Identity) (<-chan struct{}, error) {
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil {
		return nil, errs.WithMetadata(errs.CodeNotFound, "identity not registered",
			map[string]string{"identity": id.String()})
	}
	if !r.burstActive {
		c.startBurstLocked(context.Background(), r, false)
	}
	if r.burstDone == nil {
		// Ranging failed to start; nothing to wait for.
		closed := make(chan struct{})
		close(closed)
		return closed, nil
	}
	return r.burstDone, nil
}

// ── beacon.Delegate ─────────────────────────────────────────────────────────

func (c *Coordinator) OnEnter(raw beacon.RawIdentity) {
	id := raw.Identity()
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil {
		c.logger.Debug("monitor: enter for unregistered identity", "identity", id.String())
		return
	}
	if r.inside {
		c.logger.Debug("monitor: duplicate enter collapsed", "raw", raw.String())
		return
	}
	r.inside = true
	c.events.Publish(Event{Kind: EventEnter, Identity: id, Raw: raw, At: c.clock.Now()})
	c.startBurstLocked(context.Background(), r, false)
}

func (c *Coordinator) OnExit(raw beacon.RawIdentity) {
	id := raw.Identity()
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil {
		c.logger.Debug("monitor: exit for unregistered identity", "identity", id.String())
		return
	}
	if !r.inside {
		c.logger.Debug("monitor: duplicate exit collapsed", "raw", raw.String())
		return
	}
	r.inside = false
	r.restGen++
	if r.restTimer != nil {
		r.restTimer.Stop()
		r.restTimer = nil
	}
	c.events.Publish(Event{Kind: EventExit, Identity: id, Raw: raw, At: c.clock.Now()})
	c.startBurstLocked(context.Background(), r, true)
}

func (c *Coordinator) OnRanged(raw beacon.RawIdentity, rssi int, at time.Time) {
	id := raw.Identity()
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil {
		return
	}
	if at.IsZero() {
		at = c.clock.Now()
	}
	reading := c.sm.Observe(beacon.Sample{Identity: id, RSSI: rssi, At: at})
	if r.burstActive {
		r.burstSamples++
	}
	c.events.Publish(Event{Kind: EventSample, Identity: id, Raw: raw, At: at, Reading: reading, RSSI: rssi})
}

func (c *Coordinator) OnAuthorizationChanged(status beacon.AuthorizationStatus) {
	c.mu.Lock()
	prev := c.auth
	c.auth = status
	c.mu.Unlock()
	if prev == status {
		return
	}

	c.sink.Record(context.Background(), telemetry.Info(telemetry.MonitorAuthorization,
		slog.String("from", string(prev)),
		slog.String("to", string(status)),
	))
	c.events.Publish(Event{Kind: EventAuthorization, Authorization: status, At: c.clock.Now()})
}

// OnMonitoringFailed drops the registration; the caller may register again.
func (c *Coordinator) OnMonitoringFailed(raw beacon.RawIdentity, err error) {
	id := raw.Identity()
	unlock := c.keys.Lock(id)
	defer unlock()

	c.mu.Lock()
	r, ok := c.regions[id]
	delete(c.regions, id)
	c.mu.Unlock()

	if ok {
		c.cancelTimersLocked(r)
		if r.burstActive {
			c.finishBurstLocked(context.Background(), r)
		}
		r.monitoring = false
	}

	c.sink.Record(context.Background(), telemetry.Warn(telemetry.MonitorFailed,
		slog.String("identity", id.String()),
		slog.String("error", fmt.Sprint(err)),
	))
	c.events.Publish(Event{Kind: EventMonitoringFailed, Identity: id, Raw: raw, Err: err, At: c.clock.Now()})
}

// ── bursts ──────────────────────────────────────────────────────────────────

func (c *Coordinator) lookup(id beacon.Identity) *region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regions[id]
}

// startBurstLocked turns ranging on for BurstDuration. A verification burst
// requested while one is running takes over the running burst and restarts
// its window, so a confirmed exit always needs a full BurstDuration of
// silence.
func (c *Coordinator) startBurstLocked(ctx context.Context, r *region, verifying bool) {
	if r.burstActive {
		if verifying {
			r.verifying = true
			r.burstSamples = 0
			c.armBurstLocked(r)
		}
		return
	}

	if err := c.src.StartRanging(ctx, r.id); err != nil {
		c.logger.Warn("monitor: start ranging failed", "identity", r.id.String(), "error", err)
		return
	}

	r.burstActive = true
	r.verifying = verifying
	r.burstSamples = 0
	r.burstDone = make(chan struct{})
	c.armBurstLocked(r)

	c.sink.Record(ctx, telemetry.Info(telemetry.MonitorBurstStarted,
		slog.String("identity", r.id.String()),
		slog.Bool("verifying", verifying),
	))
}

// armBurstLocked (re)starts the burst window from now.
func (c *Coordinator) armBurstLocked(r *region) {
	if r.burstTimer != nil {
		r.burstTimer.Stop()
	}
	r.burstDeadline = c.clock.Now().Add(c.cfg.BurstDuration)
	r.burstGen++
	gen := r.burstGen
	r.burstTimer = c.clock.AfterFunc(c.cfg.BurstDuration, func() { c.burstElapsed(r.id, gen) })
}

func (c *Coordinator) burstElapsed(id beacon.Identity, gen uint64) {
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil || !r.burstActive || r.burstGen != gen {
		return
	}
	ctx := context.Background()
	verifying, samples := r.verifying, r.burstSamples
	c.finishBurstLocked(ctx, r)

	if verifying && samples == 0 && !r.inside {
		c.events.Publish(Event{
			Kind:      EventExit,
			Identity:  id,
			Raw:       beacon.RawIdentity{UUID: id.UUID, Major: id.Major},
			Confirmed: true,
			At:        c.clock.Now(),
		})
	}

	if r.inside && r.monitoring {
		r.restGen++
		restGen := r.restGen
		r.restTimer = c.clock.AfterFunc(c.cfg.RestInterval, func() { c.restElapsed(id, restGen) })
	}
}

func (c *Coordinator) restElapsed(id beacon.Identity, gen uint64) {
	unlock := c.keys.Lock(id)
	defer unlock()

	r := c.lookup(id)
	if r == nil || r.restGen != gen {
		return
	}
	r.restTimer = nil
	if r.inside && r.monitoring && !r.burstActive {
		c.startBurstLocked(context.Background(), r, false)
	}
}

func (c *Coordinator) finishBurstLocked(ctx context.Context, r *region) {
	if r.burstTimer != nil {
		r.burstTimer.Stop()
		r.burstTimer = nil
	}
	r.burstActive = false
	r.verifying = false
	if err := c.src.StopRanging(ctx, r.id); err != nil {
		c.logger.Warn("monitor: stop ranging failed", "identity", r.id.String(), "error", err)
	}
	if r.burstDone != nil {
		close(r.burstDone)
		r.burstDone = nil
	}
	c.sink.Record(ctx, telemetry.Info(telemetry.MonitorBurstEnded,
		slog.String("identity", r.id.String()),
		slog.Int("samples", r.burstSamples),
	))
}

func (c *Coordinator) cancelTimersLocked(r *region) {
	r.restGen++
	if r.restTimer != nil {
		r.restTimer.Stop()
		r.restTimer = nil
	}
}
