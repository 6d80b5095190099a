package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

var (
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrInvalidSessionKey     = errors.New("session_key is required")
	ErrInvalidUserID         = errors.New("user_id is required")
	ErrInvalidSiteID         = errors.New("site_id is required")
)

// AttendanceService records check-ins, heartbeats and check-outs. Every
// call is idempotent on its key: a replay answers Duplicate and writes
// nothing. Unknown sites are accepted and flagged Known=false.
type AttendanceService struct {
	registry *SiteRegistry
	store    store.AttendanceStore
	guard    store.IdempotencyGuard
	clk      clock.Clock
	sink     telemetry.Sink
	logger   *slog.Logger
}

type AttendanceOption func(*AttendanceService)

// WithGuard puts a shared idempotency guard in front of the store.
func WithGuard(g store.IdempotencyGuard) AttendanceOption {
	return func(s *AttendanceService) { s.guard = g }
}

func WithClock(c clock.Clock) AttendanceOption {
	return func(s *AttendanceService) { s.clk = clock.OrReal(c) }
}

func WithTelemetry(sink telemetry.Sink) AttendanceOption {
	return func(s *AttendanceService) { s.sink = telemetry.OrNop(sink) }
}

func WithLogger(l *slog.Logger) AttendanceOption {
	return func(s *AttendanceService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewAttendanceService(reg *SiteRegistry, st store.AttendanceStore, opts ...AttendanceOption) *AttendanceService {
	s := &AttendanceService{
		registry: reg,
		store:    st,
		clk:      clock.Real{},
		sink:     telemetry.Nop(),
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AttendanceService) CheckIn(ctx context.Context, idempotencyKey string, req types.CheckInRequest) (types.AttendanceResponse, error) {
	sessionKey := strings.TrimSpace(req.SessionKey)
	userID := strings.TrimSpace(req.UserID)
	siteID := strings.TrimSpace(req.SiteID)

	if err := validate(idempotencyKey, sessionKey); err != nil {
		return types.AttendanceResponse{}, err
	}
	if userID == "" {
		return types.AttendanceResponse{}, ErrInvalidUserID
	}
	if siteID == "" {
		return types.AttendanceResponse{}, ErrInvalidSiteID
	}

	known, err := s.resolveSite(ctx, siteID)
	if err != nil {
		return types.AttendanceResponse{}, err
	}

	return s.record(ctx, store.AttendanceEventRecord{
		IdempotencyKey: idempotencyKey,
		EventType:      types.EventCheckIn,
		SessionKey:     sessionKey,
		SiteID:         siteID,
		UserID:         userID,
		SiteKnown:      known,
	}, req.Timestamp)
}

func (s *AttendanceService) Heartbeat(ctx context.Context, idempotencyKey string, req types.HeartbeatRequest) (types.AttendanceResponse, error) {
	sessionKey := strings.TrimSpace(req.SessionKey)
	if err := validate(idempotencyKey, sessionKey); err != nil {
		return types.AttendanceResponse{}, err
	}

	rec, err := s.sessionSite(ctx, sessionKey)
	if err != nil {
		return types.AttendanceResponse{}, err
	}
	rec.IdempotencyKey = idempotencyKey
	rec.EventType = types.EventHeartbeat
	return s.record(ctx, rec, req.Timestamp)
}

func (s *AttendanceService) CheckOut(ctx context.Context, idempotencyKey string, req types.CheckOutRequest) (types.AttendanceResponse, error) {
	sessionKey := strings.TrimSpace(req.SessionKey)
	if err := validate(idempotencyKey, sessionKey); err != nil {
		return types.AttendanceResponse{}, err
	}

	rec, err := s.sessionSite(ctx, sessionKey)
	if err != nil {
		return types.AttendanceResponse{}, err
	}
	rec.IdempotencyKey = idempotencyKey
	rec.EventType = types.EventCheckOut
	rec.Reason = strings.TrimSpace(req.Reason)
	return s.record(ctx, rec, req.Timestamp)
}

func validate(idempotencyKey, sessionKey string) error {
	if strings.TrimSpace(idempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	if sessionKey == "" {
		return ErrInvalidSessionKey
	}
	return nil
}

// sessionSite starts an event record for a follow-up on sessionKey,
// carrying the site and user from the check-in when it has arrived.
func (s *AttendanceService) sessionSite(ctx context.Context, sessionKey string) (store.AttendanceEventRecord, error) {
	rec := store.AttendanceEventRecord{SessionKey: sessionKey}

	sess, ok, err := s.store.Session(ctx, sessionKey)
	if err != nil {
		return rec, err
	}
	if !ok || sess.SiteID == "" {
		return rec, nil
	}

	rec.SiteID = sess.SiteID
	rec.UserID = sess.UserID
	rec.SiteKnown, err = s.resolveSite(ctx, sess.SiteID)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// resolveSite is Resolve on the service clock. A failed last-seen write
// is logged and does not fail the request.
func (s *AttendanceService) resolveSite(ctx context.Context, siteID string) (bool, error) {
	known, err := s.registry.Resolve(ctx, siteID, s.clk.Now())
	if errors.Is(err, ErrSiteNotMarked) {
		s.logger.Warn("site last-seen update failed", "site_id", siteID, "err", err)
		return known, nil
	}
	return known, err
}

func (s *AttendanceService) record(ctx context.Context, rec store.AttendanceEventRecord, timestamp string) (types.AttendanceResponse, error) {
	now := s.clk.Now().UTC()
	rec.ReceivedAt = now
	rec.OccurredAt = now
	if t := parseOptionalTimestamp(timestamp); t != nil {
		rec.OccurredAt = *t
	}

	resp := types.AttendanceResponse{
		OK:         true,
		Known:      rec.SiteKnown,
		SessionKey: rec.SessionKey,
		SiteID:     rec.SiteID,
		ServerTime: now.Format(time.RFC3339Nano),
	}

	duplicate, err := s.apply(ctx, rec)
	if err != nil {
		return types.AttendanceResponse{}, err
	}
	resp.Duplicate = duplicate

	attrs := []slog.Attr{
		slog.String("event_type", rec.EventType),
		slog.String("session_key", rec.SessionKey),
		slog.String("site_id", rec.SiteID),
	}
	switch {
	case duplicate:
		s.sink.Record(ctx, telemetry.Info(telemetry.CollectorDuplicate, attrs...))
	case !rec.SiteKnown && rec.SiteID != "":
		s.sink.Record(ctx, telemetry.Warn(telemetry.CollectorUnknownSite, attrs...))
		s.sink.Record(ctx, telemetry.Info(telemetry.CollectorRecorded, attrs...))
	default:
		s.sink.Record(ctx, telemetry.Info(telemetry.CollectorRecorded, attrs...))
	}
	return resp, nil
}

// apply reports whether rec was a duplicate. The guard only short-circuits
// replays; the store's unique key stays authoritative, so a guard outage
// degrades to a database lookup.
func (s *AttendanceService) apply(ctx context.Context, rec store.AttendanceEventRecord) (bool, error) {
	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, rec.IdempotencyKey)
		switch {
		case err != nil:
			s.logger.Warn("idempotency guard unavailable", "err", err)
		case !claimed:
			return true, nil
		}
	}

	applied, err := s.store.Apply(ctx, rec)
	if err != nil {
		if s.guard != nil {
			if relErr := s.guard.Release(ctx, rec.IdempotencyKey); relErr != nil {
				s.logger.Warn("idempotency guard release failed", "key", rec.IdempotencyKey, "err", relErr)
			}
		}
		return false, err
	}
	return !applied, nil
}

// parseOptionalTimestamp attempts to parse an agent-reported timestamp.
// Returns nil if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
