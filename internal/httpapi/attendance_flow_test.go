package httpapi_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db/dbtest"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery/memstore"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery/transport"
	"github.com/BrandonDHaskell/Portunus/presence/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	sqlitestore "github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/sqlite"
)

// A whole session delivered by the agent outbox lands in the collector's
// SQLite store exactly once, whatever order the endpoints drain in.
func TestAttendanceFlow_OutboxToSQLite(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t, db.SchemaCollector)
	writer := dbtest.NewWriter(t, conn)
	if err := db.SeedDev(ctx, conn, db.SeedDevOptions{KnownSites: []string{"hq"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	attendance := sqlitestore.NewAttendanceStore(conn, writer)
	svc := service.NewAttendanceService(
		service.NewSiteRegistry(sqlitestore.NewSiteStore(conn, writer)),
		attendance,
	)
	srv := httpapi.NewServer(httpapi.Dependencies{Addr: ":0", AttendanceService: svc})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	engine := delivery.New(memstore.New(), transport.NewHTTP(nil))

	start := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	enqueue := func(eventType delivery.EventType, path string, epoch int64, body any) {
		t.Helper()
		payload, err := delivery.EncodePayload(body)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := engine.Enqueue(ctx, delivery.Task{
			IdempotencyKey: delivery.IdempotencyKey("user-1", "hq", eventType, "s1", epoch),
			Endpoint:       ts.URL + path,
			EventType:      eventType,
			SessionKey:     "s1",
			Payload:        payload,
		}); err != nil {
			t.Fatalf("enqueue %s: %v", eventType, err)
		}
	}

	enqueue(delivery.EventCheckIn, "/v1/checkin", 0,
		delivery.CheckIn{UserID: "user-1", SiteID: "hq", SessionKey: "s1", Timestamp: start})
	enqueue(delivery.EventHeartbeat, "/v1/heartbeat", start.Add(time.Hour).UnixMilli(),
		delivery.Heartbeat{SessionKey: "s1", Timestamp: start.Add(time.Hour)})
	enqueue(delivery.EventCheckOut, "/v1/checkout", 0,
		delivery.CheckOut{SessionKey: "s1", Timestamp: end, Reason: "confirmed-exit"})

	report, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Acknowledged != 3 {
		t.Fatalf("expected 3 acknowledged, got %+v", report)
	}

	sess, ok, err := attendance.Session(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("session: ok=%v err=%v", ok, err)
	}
	if sess.SiteID != "hq" || sess.UserID != "user-1" {
		t.Errorf("unexpected site/user: %+v", sess)
	}
	if !sess.StartedAt.Equal(start) {
		t.Errorf("expected started_at %v, got %v", start, sess.StartedAt)
	}
	if sess.EndedAt == nil || !sess.EndedAt.Equal(end) || sess.EndReason != "confirmed-exit" {
		t.Errorf("expected session closed at %v by confirmed-exit, got %v %q", end, sess.EndedAt, sess.EndReason)
	}

	// Redelivering the check-out after a lost ack is acknowledged, not recorded twice.
	payload, _ := delivery.EncodePayload(delivery.CheckOut{SessionKey: "s1", Timestamp: end.Add(time.Minute), Reason: "confirmed-exit"})
	key := delivery.IdempotencyKey("user-1", "hq", delivery.EventCheckOut, "s1", 0)
	if err := transport.NewHTTP(nil).Send(ctx, ts.URL+"/v1/checkout", payload, key); err != nil {
		t.Fatalf("resend: %v", err)
	}

	var events int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_events WHERE session_key = 's1'`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 3 {
		t.Errorf("expected 3 stored events, got %d", events)
	}
	if sess2, _, _ := attendance.Session(ctx, "s1"); sess2.EndedAt == nil || !sess2.EndedAt.Equal(end) {
		t.Errorf("duplicate check-out moved ended_at: %v", sess2.EndedAt)
	}
}
