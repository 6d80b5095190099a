package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics turns events into Prometheus series.
type Metrics struct {
	events       *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

// NewMetrics registers the presence collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portunus_events_total",
				Help: "Structured telemetry events by name.",
			},
			[]string{"event"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portunus_breaker_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
			},
			[]string{"endpoint"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portunus_presence_transitions_total",
				Help: "Presence state machine transitions by target state.",
			},
			[]string{"to"},
		),
	}
	for _, c := range []prometheus.Collector{m.events, m.breakerState, m.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Record(_ context.Context, ev Event) {
	m.events.WithLabelValues(ev.Name).Inc()

	switch ev.Name {
	case BreakerTransition:
		endpoint, ok := ev.Attr("endpoint")
		if !ok {
			return
		}
		to, _ := ev.Attr("to")
		m.breakerState.WithLabelValues(endpoint.String()).Set(breakerGauge(to.String()))
	case PresenceTransition:
		if to, ok := ev.Attr("to"); ok {
			m.transitions.WithLabelValues(to.String()).Inc()
		}
	}
}

func breakerGauge(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
