// Package session turns committed presence transitions into attendance
// sessions: one open session per site, a check-in when it opens, periodic
// heartbeats while it lasts, and a check-out when presence commits an exit.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/keylock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/state"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

const (
	DefaultForegroundInterval   = 60 * time.Second
	DefaultBackgroundInterval   = 5 * time.Minute
	DefaultMaxHeartbeatInterval = 15 * time.Minute
)

// Endpoints are the collector addresses per event type. For the HTTP
// transport they are URLs; for gRPC, full method names.
type Endpoints struct {
	CheckIn   string
	Heartbeat string
	CheckOut  string
}

type Config struct {
	UserID string
	// Sites maps beacon identities to collector site IDs. Unmapped
	// identities report their canonical string form.
	Sites     map[beacon.Identity]string
	Endpoints Endpoints

	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	// MaxHeartbeatInterval is the session TTL: no acknowledged check-in or
	// heartbeat for this long makes the session overdue.
	MaxHeartbeatInterval time.Duration
}

func (c Config) normalized() Config {
	if c.ForegroundInterval <= 0 {
		c.ForegroundInterval = DefaultForegroundInterval
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = DefaultBackgroundInterval
	}
	if c.MaxHeartbeatInterval <= 0 {
		c.MaxHeartbeatInterval = DefaultMaxHeartbeatInterval
	}
	return c
}

func (c Config) siteID(id beacon.Identity) string {
	if site, ok := c.Sites[id]; ok && site != "" {
		return site
	}
	return id.String()
}

type Option func(*Manager)

func WithTelemetry(s telemetry.Sink) Option {
	return func(m *Manager) { m.sink = telemetry.OrNop(s) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithExecutionMode(mode ExecutionMode) Option {
	return func(m *Manager) { m.mode = mode }
}

type live struct {
	sess  AttendanceSession
	gen   uint64
	timer clock.Timer
}

// pendingOpen is a session whose first save failed; it is retried on the
// heartbeat cadence until it opens or presence ends.
type pendingOpen struct {
	startedAt time.Time
	gen       uint64
	timer     clock.Timer
}

// Manager owns attendance sessions. Work for one identity is serialized on
// that identity's lock; acknowledgements arrive on delivery goroutines and
// only touch the ack index.
type Manager struct {
	cfg       Config
	deliverer Deliverer
	store     Store
	clock     clock.Clock
	sink      telemetry.Sink
	logger    *slog.Logger

	mu      sync.Mutex
	mode    ExecutionMode
	active  map[beacon.Identity]*live
	sites   map[string]beacon.Identity
	pending map[beacon.Identity]*pendingOpen
	acks    map[string]time.Time

	keys        keylock.Map[beacon.Identity]
	unsubscribe func()
}

func New(cfg Config, deliverer Deliverer, store Store, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.normalized(),
		deliverer: deliverer,
		store:     store,
		clock:     clock.OrReal(clk),
		sink:      telemetry.Nop(),
		logger:    telemetry.NopLogger(),
		mode:      Foreground,
		active:    make(map[beacon.Identity]*live),
		sites:     make(map[string]beacon.Identity),
		pending:   make(map[beacon.Identity]*pendingOpen),
		acks:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = deliverer.Subscribe(m.onOutcome)
	return m
}

// Attach subscribes the manager to presence transitions.
func (m *Manager) Attach(sm *state.Machine) (detach func()) {
	return sm.Subscribe(m.HandleTransition)
}

// Stop cancels heartbeat and open-retry timers and detaches from the
// deliverer. Open sessions stay in the store.
func (m *Manager) Stop() {
	m.unsubscribe()
	m.mu.Lock()
	ids := make([]beacon.Identity, 0, len(m.active)+len(m.pending))
	for id := range m.active {
		ids = append(ids, id)
	}
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		unlock := m.keys.Lock(id)
		if l := m.get(id); l != nil {
			m.disarm(l)
		}
		m.cancelOpenRetry(id)
		unlock()
	}
}

// Restore closes sessions an earlier process left open. Presence state is
// not persisted, so a returning user opens a fresh session on re-entry.
// Closed sessions awaiting a check-out ack are left alone; their check-out
// task is already durable.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	n := 0
	for _, sess := range sessions {
		if !sess.Open() {
			continue
		}
		unlock := m.keys.Lock(sess.Identity)
		if m.get(sess.Identity) == nil {
			m.closeLocked(ctx, &live{sess: sess}, ReasonAgentRestart, m.clock.Now())
			n++
		}
		unlock()
	}
	return n, nil
}

// SetExecutionMode switches heartbeat cadence for every open session. The
// next heartbeat is rescheduled relative to the last one.
func (m *Manager) SetExecutionMode(mode ExecutionMode) {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return
	}
	m.mode = mode
	ids := make([]beacon.Identity, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("session: execution mode changed", "mode", string(mode))
	for _, id := range ids {
		unlock := m.keys.Lock(id)
		if l := m.get(id); l != nil {
			m.armHeartbeat(l)
		}
		unlock()
	}
}

func (m *Manager) ExecutionMode() ExecutionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Active returns the open session for id.
func (m *Manager) Active(id beacon.Identity) (AttendanceSession, bool) {
	unlock := m.keys.Lock(id)
	defer unlock()
	l := m.get(id)
	if l == nil {
		return AttendanceSession{}, false
	}
	return m.snapshot(l), true
}

// Sessions returns every open session, oldest first.
func (m *Manager) Sessions() []AttendanceSession {
	m.mu.Lock()
	ids := make([]beacon.Identity, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]AttendanceSession, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.Active(id); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// HandleTransition reacts to one presence transition. Only entries into
// Present from outside and committed exits matter; recovery edges keep the
// running session.
func (m *Manager) HandleTransition(tr state.Transition) {
	unlock := m.keys.Lock(tr.Identity)
	defer unlock()

	ctx := context.Background()
	switch {
	case tr.To == state.Present && (tr.From == state.NotPresent || tr.From == state.Entering):
		if m.get(tr.Identity) != nil {
			m.logger.Debug("session: already open", "identity", tr.Identity.String())
			return
		}
		m.cancelOpenRetry(tr.Identity)
		at := tr.At
		if at.IsZero() {
			at = m.clock.Now()
		}
		m.openLocked(ctx, tr.Identity, at, at)

	case tr.To == state.NotPresent:
		m.cancelOpenRetry(tr.Identity)
		l := m.get(tr.Identity)
		if l == nil {
			return
		}
		reason := ReasonGraceTimeout
		if tr.Reason == state.ReasonConfirmedExit {
			reason = ReasonConfirmedExit
		}
		m.closeLocked(ctx, l, reason, tr.At)
	}
}

// ── internals (identity lock held unless noted) ─────────────────────────────

func (m *Manager) get(id beacon.Identity) *live {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) snapshot(l *live) AttendanceSession {
	s := l.sess.clone()
	m.mu.Lock()
	if at, ok := m.acks[s.SessionKey]; ok && at.After(s.LastAckAt) {
		s.LastAckAt = at
	}
	m.mu.Unlock()
	return s
}

// openLocked opens a session for id that started at startedAt; at is when
// the session becomes live and anchors its heartbeat schedule. A site holds
// one open session however many identities map to it.
func (m *Manager) openLocked(ctx context.Context, id beacon.Identity, startedAt, at time.Time) {
	sess := AttendanceSession{
		SessionKey:      uuid.NewString(),
		Identity:        id,
		SiteID:          m.cfg.siteID(id),
		UserID:          m.cfg.UserID,
		StartedAt:       startedAt,
		LastHeartbeatAt: at,
		LastAckAt:       at,
	}

	m.mu.Lock()
	if owner, busy := m.sites[sess.SiteID]; busy && owner != id {
		m.mu.Unlock()
		m.sink.Record(ctx, telemetry.Warn(telemetry.SessionSiteBusy,
			slog.String("site_id", sess.SiteID),
			slog.String("identity", id.String()),
			slog.String("open_via", owner.String()),
		))
		return
	}
	m.sites[sess.SiteID] = id
	m.mu.Unlock()

	if err := m.store.Save(ctx, sess); err != nil {
		m.mu.Lock()
		if m.sites[sess.SiteID] == id {
			delete(m.sites, sess.SiteID)
		}
		m.mu.Unlock()
		m.storeFailed(ctx, "open", sess, err)
		m.scheduleOpenRetry(id, startedAt)
		return
	}

	l := &live{sess: sess}
	m.mu.Lock()
	m.active[id] = l
	m.acks[sess.SessionKey] = at
	m.mu.Unlock()

	m.sink.Record(ctx, telemetry.Info(telemetry.SessionOpened, sessionAttrs(sess)...))

	payload, err := delivery.EncodePayload(delivery.CheckIn{
		UserID:     sess.UserID,
		SiteID:     sess.SiteID,
		SessionKey: sess.SessionKey,
		Timestamp:  startedAt.UTC(),
	})
	if err == nil {
		err = m.deliverer.Enqueue(ctx, m.task(sess, delivery.EventCheckIn, m.cfg.Endpoints.CheckIn, 0, payload, at))
	}
	if err != nil {
		m.logger.Warn("session: enqueue check-in failed", "session_key", sess.SessionKey, "error", err)
	}

	m.armHeartbeat(l)
}

func (m *Manager) closeLocked(ctx context.Context, l *live, reason string, at time.Time) {
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.disarm(l)
	m.mu.Lock()
	if m.active[l.sess.Identity] == l {
		delete(m.active, l.sess.Identity)
		if m.sites[l.sess.SiteID] == l.sess.Identity {
			delete(m.sites, l.sess.SiteID)
		}
	}
	m.mu.Unlock()

	sess := m.snapshot(l)
	sess.EndedAt = &at
	sess.EndReason = reason
	if err := m.store.Save(ctx, sess); err != nil {
		m.storeFailed(ctx, "close", sess, err)
	}

	if n, err := m.deliverer.CancelPending(ctx, sess.SessionKey, delivery.EventHeartbeat); err != nil {
		m.logger.Warn("session: cancel heartbeats failed", "session_key", sess.SessionKey, "error", err)
	} else if n > 0 {
		m.logger.Debug("session: dropped pending heartbeats", "session_key", sess.SessionKey, "count", n)
	}

	payload, err := delivery.EncodePayload(delivery.CheckOut{
		SessionKey: sess.SessionKey,
		Timestamp:  at.UTC(),
		Reason:     reason,
	})
	if err == nil {
		err = m.deliverer.Enqueue(ctx, m.task(sess, delivery.EventCheckOut, m.cfg.Endpoints.CheckOut, 0, payload, at))
	}
	if err != nil {
		m.logger.Warn("session: enqueue check-out failed", "session_key", sess.SessionKey, "error", err)
	}

	attrs := append(sessionAttrs(sess), slog.String("reason", reason),
		slog.Duration("duration", at.Sub(sess.StartedAt)))
	m.sink.Record(ctx, telemetry.Info(telemetry.SessionClosed, attrs...))
}

func (m *Manager) scheduleOpenRetry(id beacon.Identity, startedAt time.Time) {
	m.mu.Lock()
	p := m.pending[id]
	if p == nil {
		p = &pendingOpen{}
		m.pending[id] = p
	}
	p.startedAt = startedAt
	p.gen++
	gen := p.gen
	m.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = m.clock.AfterFunc(m.interval(), func() { m.retryOpen(id, gen) })
}

func (m *Manager) cancelOpenRetry(id beacon.Identity) {
	m.mu.Lock()
	p := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if p != nil && p.timer != nil {
		p.timer.Stop()
	}
}

func (m *Manager) retryOpen(id beacon.Identity, gen uint64) {
	unlock := m.keys.Lock(id)
	defer unlock()

	m.mu.Lock()
	p := m.pending[id]
	if p == nil || p.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	m.mu.Unlock()

	if m.get(id) != nil {
		return
	}
	m.logger.Info("session: retrying open", "identity", id.String())
	m.openLocked(context.Background(), id, p.startedAt, m.clock.Now())
}

func (m *Manager) task(sess AttendanceSession, eventType delivery.EventType, endpoint string, epoch int64, payload []byte, at time.Time) delivery.Task {
	return delivery.Task{
		IdempotencyKey: delivery.IdempotencyKey(sess.UserID, sess.SiteID, eventType, sess.SessionKey, epoch),
		Endpoint:       endpoint,
		EventType:      eventType,
		SessionKey:     sess.SessionKey,
		Payload:        payload,
		NextAttemptAt:  at,
		CreatedAt:      at,
	}
}

func (m *Manager) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == Background {
		return m.cfg.BackgroundInterval
	}
	return m.cfg.ForegroundInterval
}

func (m *Manager) armHeartbeat(l *live) {
	m.disarm(l)
	delay := l.sess.LastHeartbeatAt.Add(m.interval()).Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	gen := l.gen
	id := l.sess.Identity
	l.timer = m.clock.AfterFunc(delay, func() { m.heartbeatDue(id, gen) })
}

func (m *Manager) disarm(l *live) {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// heartbeatDue runs on the timer goroutine. An overdue session gets an
// out-of-band attempt, made after the identity lock is released.
func (m *Manager) heartbeatDue(id beacon.Identity, gen uint64) {
	unlock := m.keys.Lock(id)
	l := m.get(id)
	if l == nil || l.gen != gen {
		unlock()
		return
	}
	l.timer = nil

	ctx := context.Background()
	now := m.clock.Now()
	snap := m.snapshot(l)
	overdue := now.Sub(snap.LastAckAt) >= m.cfg.MaxHeartbeatInterval

	l.sess.LastHeartbeatAt = now
	sess := m.snapshot(l)
	var t delivery.Task
	payload, encErr := delivery.EncodePayload(delivery.Heartbeat{SessionKey: sess.SessionKey, Timestamp: now.UTC()})
	if encErr == nil {
		t = m.task(sess, delivery.EventHeartbeat, m.cfg.Endpoints.Heartbeat, now.UnixMilli(), payload, now)
	}
	if err := m.store.Save(ctx, sess); err != nil {
		m.storeFailed(ctx, "heartbeat", sess, err)
	}
	if encErr == nil && !overdue {
		if err := m.deliverer.Enqueue(ctx, t); err != nil {
			m.logger.Warn("session: enqueue heartbeat failed", "session_key", sess.SessionKey, "error", err)
		}
	}
	m.sink.Record(ctx, telemetry.Info(telemetry.SessionHeartbeat,
		slog.String("session_key", sess.SessionKey),
		slog.Bool("overdue", overdue),
	))
	m.armHeartbeat(l)
	unlock()

	if overdue && encErr == nil {
		m.deliverOverdue(ctx, sess, t)
	}
}

// deliverOverdue sends t immediately. Failure keeps the session open and
// raises an overdue event; the server-side TTL is the backstop. A heartbeat
// the scheduler picked up first is not a failure.
func (m *Manager) deliverOverdue(ctx context.Context, sess AttendanceSession, t delivery.Task) {
	out, err := m.deliverer.DeliverNow(ctx, t)
	if err == nil && (out.Result == delivery.ResultAcknowledged || out.Result == delivery.ResultInProgress) {
		return
	}
	if err == nil {
		err = out.Err
	}
	m.sink.Record(ctx, telemetry.Warn(telemetry.SessionHeartbeatOverdue,
		slog.String("session_key", sess.SessionKey),
		slog.String("site_id", sess.SiteID),
		slog.Time("last_ack_at", sess.LastAckAt),
		slog.String("error", fmt.Sprint(err)),
	))
}

// onOutcome runs on delivery goroutines, including the caller of
// DeliverNow; it must not take identity locks.
func (m *Manager) onOutcome(o delivery.Outcome) {
	if o.Result != delivery.ResultAcknowledged || o.Task.SessionKey == "" {
		return
	}
	ctx := context.Background()
	key := o.Task.SessionKey
	switch o.Task.EventType {
	case delivery.EventCheckIn, delivery.EventHeartbeat:
		m.mu.Lock()
		if prev, ok := m.acks[key]; ok && o.At.After(prev) {
			m.acks[key] = o.At
		}
		m.mu.Unlock()
		if err := m.store.TouchAck(ctx, key, o.At); err != nil {
			m.logger.Warn("session: record ack failed", "session_key", key, "error", err)
		}
	case delivery.EventCheckOut:
		m.mu.Lock()
		delete(m.acks, key)
		m.mu.Unlock()
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("session: delete failed", "session_key", key, "error", err)
		}
	}
}

func (m *Manager) storeFailed(ctx context.Context, op string, sess AttendanceSession, err error) {
	m.sink.Record(ctx, telemetry.Warn(telemetry.SessionStoreFailed,
		slog.String("op", op),
		slog.String("session_key", sess.SessionKey),
		slog.String("error", err.Error()),
	))
}

func sessionAttrs(s AttendanceSession) []slog.Attr {
	return []slog.Attr{
		slog.String("session_key", s.SessionKey),
		slog.String("site_id", s.SiteID),
		slog.String("identity", s.Identity.String()),
	}
}
