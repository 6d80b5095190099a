package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

// SessionExpirer periodically closes sessions whose agent has gone quiet
// for longer than the TTL and deletes history older than the retention
// period.  It is the server-side safety net for agents that never send
// their check-out.
//
// A TTL of 0 disables expiry; a retention of 0 keeps everything.  With
// both at 0 the expirer does not start.
type SessionExpirer struct {
	store     store.AttendanceStore
	ttl       time.Duration
	retention time.Duration
	interval  time.Duration
	clk       clock.Clock
	sink      telemetry.Sink
	logger    *slog.Logger

	mu      sync.Mutex // guards timer and stopped
	timer   clock.Timer
	stopped bool
	cancel  context.CancelFunc

	sweepMu sync.Mutex // held for the duration of a sweep
}

// ExpirerConfig holds the parameters for NewSessionExpirer.
type ExpirerConfig struct {
	// TTL is how long a session may go without a heartbeat.
	TTL time.Duration

	// RetentionDays is how many days of event history to keep.
	RetentionDays int

	// Interval is how often the expirer runs.  Defaults to one minute.
	Interval time.Duration
}

// NewSessionExpirer creates an expirer but does not start it.
// Call Start to begin the background loop.
func NewSessionExpirer(s store.AttendanceStore, cfg ExpirerConfig, clk clock.Clock, sink telemetry.Sink, logger *slog.Logger) *SessionExpirer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	return &SessionExpirer{
		store:     s,
		ttl:       cfg.TTL,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		clk:       clock.OrReal(clk),
		sink:      telemetry.OrNop(sink),
		logger:    logger,
	}
}

// Start runs an immediate sweep, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (e *SessionExpirer) Start(ctx context.Context) {
	if e.ttl <= 0 && e.retention <= 0 {
		e.logger.Info("session expirer disabled", "ttl", e.ttl, "retention", e.retention)
		return
	}

	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.logger.Info("session expirer started",
		"ttl", e.ttl, "retention_days", int(e.retention.Hours()/24), "interval", e.interval)

	e.Sweep(ctx)
	e.schedule(ctx)
}

// Stop cancels the loop and waits for an in-flight sweep. It is safe to
// call more than once.
func (e *SessionExpirer) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
}

func (e *SessionExpirer) schedule(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || ctx.Err() != nil {
		return
	}
	e.timer = e.clk.AfterFunc(e.interval, func() {
		e.Sweep(ctx)
		e.schedule(ctx)
	})
}

// Sweep performs one expiry and prune pass and returns how many sessions
// it closed and how many rows it deleted.
func (e *SessionExpirer) Sweep(ctx context.Context) (expired, pruned int64) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if ctx.Err() != nil {
		return 0, 0
	}

	now := e.clk.Now().UTC()

	if e.ttl > 0 {
		n, err := e.store.ExpireSessions(ctx, now.Add(-e.ttl), now)
		if err != nil {
			e.logger.Error("session expiry failed", "err", err)
		} else if n > 0 {
			expired = n
			e.logger.Info("sessions expired", "count", n, "ttl", e.ttl)
			e.sink.Record(ctx, telemetry.Info(telemetry.CollectorSessionsExpired, slog.Int64("count", n)))
		}
	}

	if e.retention > 0 {
		cutoff := now.Add(-e.retention)
		n, err := e.store.PruneOlderThan(ctx, cutoff)
		if err != nil {
			e.logger.Error("attendance prune failed", "err", err)
		} else if n > 0 {
			pruned = n
			e.logger.Info("attendance prune", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
			e.sink.Record(ctx, telemetry.Info(telemetry.CollectorPruned, slog.Int64("count", n)))
		}
	}
	return expired, pruned
}
