package telemetry_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

func TestLogSink_WritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := telemetry.NewLogSink(telemetry.NewLogger("json", slog.LevelInfo, &buf))

	sink.Record(context.Background(), telemetry.Info(telemetry.SessionOpened,
		slog.String("site", "hq"),
	))

	out := buf.String()
	assert.Contains(t, out, `"msg":"session.opened"`)
	assert.Contains(t, out, `"site":"hq"`)
}

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a := telemetry.NewRecorder()
	b := telemetry.NewRecorder()
	sink := telemetry.Multi(a, nil, b)

	sink.Record(context.Background(), telemetry.Info("x"))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestMetrics_CountsEventsAndBreakerState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)

	ctx := context.Background()
	m.Record(ctx, telemetry.Info(telemetry.DeliveryAcknowledged))
	m.Record(ctx, telemetry.Info(telemetry.DeliveryAcknowledged))
	m.Record(ctx, telemetry.Warn(telemetry.BreakerTransition,
		slog.String("endpoint", "/v1/heartbeat"),
		slog.String("from", "closed"),
		slog.String("to", "open"),
	))

	expected := `
# HELP portunus_breaker_state Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).
# TYPE portunus_breaker_state gauge
portunus_breaker_state{endpoint="/v1/heartbeat"} 2
# HELP portunus_events_total Structured telemetry events by name.
# TYPE portunus_events_total counter
portunus_events_total{event="breaker.transition"} 1
portunus_events_total{event="delivery.acknowledged"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"portunus_breaker_state", "portunus_events_total"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, telemetry.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, telemetry.ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, telemetry.ParseLevel("nonsense"))
}
