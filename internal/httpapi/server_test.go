package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery/transport"
	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
	"github.com/BrandonDHaskell/Portunus/presence/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, knownSites []string) (*httptest.Server, *memory.AttendanceStore) {
	t.Helper()

	registry := service.NewSiteRegistry(memory.NewSiteStore(knownSites))
	as := memory.NewAttendanceStore()
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	svc := service.NewAttendanceService(registry, as, service.WithTelemetry(metrics))

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:              ":0",
		AttendanceService: svc,
		Metrics:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, as
}

func post(t *testing.T, url, key, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) types.AttendanceResponse {
	t.Helper()
	var out types.AttendanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const checkInBody = `{"user_id":"user-1","site_id":"hq","session_key":"s1","timestamp":"2026-02-15T12:00:00Z"}`

// ── Check-in ─────────────────────────────────────────────────────────────────

func TestCheckIn_KnownSite_OK(t *testing.T) {
	ts, _ := newTestServer(t, []string{"hq"})

	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	out := decodeResponse(t, resp)
	if !out.OK {
		t.Error("expected ok=true")
	}
	if !out.Known {
		t.Error("expected known=true for a configured site")
	}
	if out.SessionKey != "s1" || out.SiteID != "hq" {
		t.Errorf("unexpected session/site %q/%q", out.SessionKey, out.SiteID)
	}
}

func TestCheckIn_UnknownSite_StillAccepted(t *testing.T) {
	ts, as := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if !out.OK || out.Known {
		t.Errorf("expected ok=true known=false, got %+v", out)
	}
	if len(as.Events()) != 1 {
		t.Error("expected the event recorded")
	}
}

func TestCheckIn_Duplicate_200WithFlag(t *testing.T) {
	ts, as := newTestServer(t, []string{"hq"})

	post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))
	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if out := decodeResponse(t, resp); !out.Duplicate {
		t.Error("expected duplicate=true")
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCheckIn_MissingIdempotencyKey_400(t *testing.T) {
	ts, _ := newTestServer(t, []string{"hq"})

	resp := post(t, ts.URL+"/v1/checkin", "", "application/json", []byte(checkInBody))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "missing_idempotency_key" {
		t.Errorf("expected missing_idempotency_key, got %v", body["error"])
	}
}

func TestCheckIn_InvalidJSON_400(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(`not json at all`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCheckIn_UnknownField_400(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	body := []byte(`{"session_key":"s1","user_id":"u","site_id":"hq","door":"front"}`)
	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/json", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// ── Heartbeat / check-out ────────────────────────────────────────────────────

func TestHeartbeat_MissingSessionKey_400(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/heartbeat", "k1", "application/json", []byte(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCheckOut_ClosesSession(t *testing.T) {
	ts, as := newTestServer(t, []string{"hq"})

	post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))
	resp := post(t, ts.URL+"/v1/checkout", "k2", "application/json",
		[]byte(`{"session_key":"s1","timestamp":"2026-02-15T13:00:00Z","reason":"confirmed-exit"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	sess, ok, err := as.Session(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("Session: ok=%v err=%v", ok, err)
	}
	if sess.Open() {
		t.Fatal("expected session closed")
	}
	if want := time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC); !sess.EndedAt.Equal(want) {
		t.Errorf("expected ended_at=%v, got %v", want, *sess.EndedAt)
	}
}

// ── Protobuf ─────────────────────────────────────────────────────────────────

func TestCheckIn_Protobuf(t *testing.T) {
	ts, _ := newTestServer(t, []string{"hq"})

	st, err := structpb.NewStruct(map[string]any{
		"user_id":     "user-1",
		"site_id":     "hq",
		"session_key": "s1",
	})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	body, err := proto.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp := post(t, ts.URL+"/v1/checkin", "k1", "application/x-protobuf", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf response, got %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out structpb.Struct
	if err := proto.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fields := out.GetFields()
	if !fields["ok"].GetBoolValue() || !fields["known"].GetBoolValue() {
		t.Errorf("unexpected response %v", fields)
	}
	if fields["session_key"].GetStringValue() != "s1" {
		t.Errorf("expected session_key=s1, got %v", fields["session_key"])
	}
}

// ── Agent transport against the collector ───────────────────────────────────

func TestAgentTransport_RoundTrip(t *testing.T) {
	ts, as := newTestServer(t, []string{"hq"})
	ctx := context.Background()

	payload, err := delivery.EncodePayload(delivery.CheckIn{
		UserID:     "user-1",
		SiteID:     "hq",
		SessionKey: "s1",
		Timestamp:  time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, tr := range []*transport.HTTP{transport.NewHTTP(nil), transport.NewHTTP(nil, transport.WithProtobuf())} {
		if err := tr.Send(ctx, ts.URL+"/v1/checkin", payload, "k1"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if n := len(as.Events()); n != 1 {
		t.Errorf("expected 1 event from two sends of one key, got %d", n)
	}

	// A check-in the collector refuses is terminal for the agent.
	bad, _ := delivery.EncodePayload(delivery.CheckIn{SessionKey: "s2"})
	err = transport.NewHTTP(nil).Send(ctx, ts.URL+"/v1/checkin", bad, "k2")
	var e *errs.Error
	if !errors.As(err, &e) || e.Code != errs.CodeTerminal {
		t.Errorf("expected terminal error, got %v", err)
	}
}

// ── Ops endpoints ────────────────────────────────────────────────────────────

func TestMetricsAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, []string{"hq"})
	post(t, ts.URL+"/v1/checkin", "k1", "application/json", []byte(checkInBody))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `portunus_events_total{event="collector.recorded"} 1`) {
		t.Errorf("expected recorded counter in metrics output:\n%s", raw)
	}

	hr, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	hr.Body.Close()
	if hr.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", hr.StatusCode)
	}
}
