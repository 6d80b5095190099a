package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

var t0 = time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

// newTestAttendanceService builds an AttendanceService backed by in-memory
// stores, returning the service and the attendance store so tests can
// inspect recorded events.
func newTestAttendanceService(
	knownSites []string,
	opts ...service.AttendanceOption,
) (*service.AttendanceService, *memory.AttendanceStore) {
	registry := service.NewSiteRegistry(memory.NewSiteStore(knownSites))
	as := memory.NewAttendanceStore()
	opts = append([]service.AttendanceOption{service.WithClock(clock.NewManual(t0))}, opts...)
	return service.NewAttendanceService(registry, as, opts...), as
}

func validCheckIn() types.CheckInRequest {
	return types.CheckInRequest{
		UserID:     "user-1",
		SiteID:     "hq",
		SessionKey: "s1",
		Timestamp:  t0.Add(-2 * time.Second).Format(time.RFC3339Nano),
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestCheckIn_Validation(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})
	ctx := context.Background()

	cases := []struct {
		name string
		key  string
		mut  func(*types.CheckInRequest)
		want error
	}{
		{"missing key", " ", func(*types.CheckInRequest) {}, service.ErrMissingIdempotencyKey},
		{"missing session", "k", func(r *types.CheckInRequest) { r.SessionKey = "" }, service.ErrInvalidSessionKey},
		{"missing user", "k", func(r *types.CheckInRequest) { r.UserID = "  " }, service.ErrInvalidUserID},
		{"missing site", "k", func(r *types.CheckInRequest) { r.SiteID = "" }, service.ErrInvalidSiteID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCheckIn()
			tc.mut(&req)
			_, err := svc.CheckIn(ctx, tc.key, req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := len(as.Events()); n != 0 {
		t.Errorf("invalid requests recorded %d events", n)
	}
}

func TestHeartbeat_RequiresSessionKey(t *testing.T) {
	svc, _ := newTestAttendanceService(nil)
	_, err := svc.Heartbeat(context.Background(), "k", types.HeartbeatRequest{})
	if !errors.Is(err, service.ErrInvalidSessionKey) {
		t.Fatalf("expected ErrInvalidSessionKey, got %v", err)
	}
}

// ── Event recording ──────────────────────────────────────────────────────────

func TestCheckIn_KnownSite_RecordsEvent(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})

	resp, err := svc.CheckIn(context.Background(), "k1", validCheckIn())
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if !resp.OK || !resp.Known || resp.Duplicate {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.ServerTime != t0.Format(time.RFC3339Nano) {
		t.Errorf("expected server_time from the clock, got %q", resp.ServerTime)
	}

	events := as.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != types.EventCheckIn || ev.SiteID != "hq" || ev.UserID != "user-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.OccurredAt.Equal(t0.Add(-2 * time.Second)) {
		t.Errorf("expected occurred_at from the agent timestamp, got %v", ev.OccurredAt)
	}
	if !ev.ReceivedAt.Equal(t0) {
		t.Errorf("expected received_at=%v, got %v", t0, ev.ReceivedAt)
	}
}

func TestCheckIn_UnknownSite_FlaggedNotRejected(t *testing.T) {
	rec := telemetry.NewRecorder()
	svc, as := newTestAttendanceService(nil, service.WithTelemetry(rec))

	resp, err := svc.CheckIn(context.Background(), "k1", validCheckIn())
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if !resp.OK || resp.Known {
		t.Errorf("expected ok=true known=false, got %+v", resp)
	}
	if len(as.Events()) != 1 {
		t.Error("unknown site event should still be recorded")
	}
	if n := len(rec.Named(telemetry.CollectorUnknownSite)); n != 1 {
		t.Errorf("expected 1 unknown-site event, got %d", n)
	}
}

func TestCheckIn_BadTimestampFallsBackToReceipt(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})
	req := validCheckIn()
	req.Timestamp = "yesterday"

	if _, err := svc.CheckIn(context.Background(), "k1", req); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if got := as.Events()[0].OccurredAt; !got.Equal(t0) {
		t.Errorf("expected occurred_at=%v, got %v", t0, got)
	}
}

// ── Idempotency ──────────────────────────────────────────────────────────────

func TestDuplicateKey_AnsweredWithoutRecording(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})
	ctx := context.Background()

	if _, err := svc.CheckIn(ctx, "k1", validCheckIn()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	resp, err := svc.CheckIn(ctx, "k1", validCheckIn())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !resp.OK || !resp.Duplicate {
		t.Errorf("expected ok duplicate response, got %+v", resp)
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("expected 1 event after replay, got %d", n)
	}
}

func TestConcurrentReplays_RecordOnce(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Heartbeat(ctx, "hb-1", types.HeartbeatRequest{SessionKey: "s1"})
			if err != nil {
				t.Errorf("Heartbeat: %v", err)
				return
			}
			if !resp.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("expected exactly one non-duplicate answer, got %d", fresh)
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

// ── Lazy sessions ────────────────────────────────────────────────────────────

func TestHeartbeatBeforeCheckIn_CreatesSessionLazily(t *testing.T) {
	svc, as := newTestAttendanceService([]string{"hq"})
	ctx := context.Background()

	resp, err := svc.Heartbeat(ctx, "hb-1", types.HeartbeatRequest{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.OK || resp.Known || resp.SiteID != "" {
		t.Errorf("expected ok with no site yet, got %+v", resp)
	}

	if _, err := svc.CheckIn(ctx, "ci-1", validCheckIn()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	resp, err = svc.CheckOut(ctx, "co-1", types.CheckOutRequest{SessionKey: "s1", Reason: "confirmed-exit"})
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if !resp.Known || resp.SiteID != "hq" {
		t.Errorf("check-out should carry the check-in's site, got %+v", resp)
	}

	sess, ok, err := as.Session(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Session: ok=%v err=%v", ok, err)
	}
	if sess.Open() || sess.EndReason != "confirmed-exit" {
		t.Errorf("expected closed session, got %+v", sess)
	}
	if sess.UserID != "user-1" {
		t.Errorf("expected user_id from check-in, got %q", sess.UserID)
	}
}

// ── Idempotency guard ────────────────────────────────────────────────────────

type fakeGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	down     bool
	released []string
}

func newFakeGuard() *fakeGuard { return &fakeGuard{claimed: make(map[string]bool)} }

func (g *fakeGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return false, errors.New("guard down")
	}
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

func (g *fakeGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, key)
	g.released = append(g.released, key)
	return nil
}

type failingStore struct {
	store.AttendanceStore
}

func (failingStore) Apply(context.Context, store.AttendanceEventRecord) (bool, error) {
	return false, errors.New("disk full")
}

func TestGuard_ShortCircuitsReplays(t *testing.T) {
	g := newFakeGuard()
	svc, as := newTestAttendanceService([]string{"hq"}, service.WithGuard(g))
	ctx := context.Background()

	if _, err := svc.CheckIn(ctx, "k1", validCheckIn()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	resp, err := svc.CheckIn(ctx, "k1", validCheckIn())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !resp.Duplicate {
		t.Error("expected guard to answer duplicate")
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestGuard_OutageFallsBackToStore(t *testing.T) {
	g := newFakeGuard()
	g.down = true
	svc, as := newTestAttendanceService([]string{"hq"}, service.WithGuard(g))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.CheckIn(ctx, "k1", validCheckIn()); err != nil {
			t.Fatalf("CheckIn %d: %v", i, err)
		}
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("store should dedupe without the guard, got %d events", n)
	}
}

func TestGuard_ReleasedWhenStoreFails(t *testing.T) {
	g := newFakeGuard()
	registry := service.NewSiteRegistry(memory.NewSiteStore([]string{"hq"}))
	svc := service.NewAttendanceService(registry, failingStore{memory.NewAttendanceStore()}, service.WithGuard(g))

	if _, err := svc.CheckIn(context.Background(), "k1", validCheckIn()); err == nil {
		t.Fatal("expected store failure to surface")
	}
	if len(g.released) != 1 || g.released[0] != "k1" {
		t.Errorf("expected k1 released, got %v", g.released)
	}
}
