// Package telemetry is the write-only observability sink of the presence
// engine. Every state transition, delivery outcome and circuit-breaker
// transition is reported as a structured Event; sinks fan those out to slog,
// Prometheus, or an in-memory recorder used by tests.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// Event names.
const (
	PresenceTransition      = "presence.transition"
	PresenceUnexpectedEvent = "presence.unexpected_event"

	MonitorCapacityRejected = "monitor.capacity_rejected"
	MonitorAuthorization    = "monitor.authorization_changed"
	MonitorFailed           = "monitor.failed"
	MonitorBurstStarted     = "monitor.burst_started"
	MonitorBurstEnded       = "monitor.burst_ended"

	DeliveryEnqueued     = "delivery.enqueued"
	DeliveryAcknowledged = "delivery.acknowledged"
	DeliveryRetry        = "delivery.retry_scheduled"
	DeliveryFastFailed   = "delivery.fast_failed"
	DeliveryDeadLettered = "delivery.dead_lettered"
	DeliveryCancelled    = "delivery.cancelled"
	BreakerTransition    = "breaker.transition"

	SessionOpened           = "session.opened"
	SessionClosed           = "session.closed"
	SessionHeartbeat        = "session.heartbeat"
	SessionHeartbeatOverdue = "session.heartbeat_overdue"
	SessionStoreFailed      = "session.store_failed"
	SessionSiteBusy         = "session.site_busy"

	CollectorRecorded        = "collector.recorded"
	CollectorDuplicate       = "collector.duplicate"
	CollectorUnknownSite     = "collector.unknown_site"
	CollectorSessionsExpired = "collector.sessions_expired"
	CollectorPruned          = "collector.pruned"
)

// Event is one structured observation.
type Event struct {
	Name  string
	Level slog.Level
	Attrs []slog.Attr
}

// Attr returns the value of the named attribute and whether it was present.
func (e Event) Attr(key string) (slog.Value, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return slog.Value{}, false
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Info builds an info-level event.
func Info(name string, attrs ...slog.Attr) Event {
	return Event{Name: name, Level: slog.LevelInfo, Attrs: attrs}
}

// Warn builds a warn-level event.
func Warn(name string, attrs ...slog.Attr) Event {
	return Event{Name: name, Level: slog.LevelWarn, Attrs: attrs}
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) {}

// Nop returns a sink that drops everything.
func Nop() Sink { return nopSink{} }

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// LogSink writes events through a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = NopLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, ev Event) {
	s.logger.LogAttrs(ctx, ev.Level, ev.Name, ev.Attrs...)
}

type multiSink []Sink

func (m multiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Multi fans every event out to all non-nil sinks.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Recorder keeps every event in memory. Intended for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
