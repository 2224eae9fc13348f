// Package telemetry exports projection activity to Prometheus and OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/state"
)

// Metrics implements projection.Observer with Prometheus collectors.
type Metrics struct {
	events      *prometheus.CounterVec
	retracted   *prometheus.CounterVec
	contributed *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	desyncs     *prometheus.CounterVec
	version     prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupfeed",
			Name:      "events_reconciled_total",
			Help:      "Feed events reconciled into a projection.",
		}, []string{"projection", "type"}),
		retracted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupfeed",
			Name:      "records_retracted_total",
			Help:      "Derived keys retracted from a projection.",
		}, []string{"projection"}),
		contributed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupfeed",
			Name:      "records_contributed_total",
			Help:      "Derived keys contributed to a projection.",
		}, []string{"projection"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pupfeed",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reconciling one feed event.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"projection"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupfeed",
			Name:      "failures_total",
			Help:      "Isolated failures while reconciling, by phase.",
		}, []string{"projection", "phase", "reason"}),
		desyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupfeed",
			Name:      "ledger_desyncs_total",
			Help:      "Retractions that found nothing to retract.",
		}, []string{"projection"}),
		version: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pupfeed",
			Name:      "state_version",
			Help:      "Version of the last committed state snapshot.",
		}),
	}
}

// Reconciled implements projection.Observer.
func (m *Metrics) Reconciled(_ context.Context, name string, eventType feed.EventType, retracted, contributed int, elapsed time.Duration) {
	m.events.WithLabelValues(name, string(eventType)).Inc()
	m.retracted.WithLabelValues(name).Add(float64(retracted))
	m.contributed.WithLabelValues(name).Add(float64(contributed))
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// Failed implements projection.Observer.
func (m *Metrics) Failed(_ context.Context, name string, phase projection.Phase, err error) {
	m.failures.WithLabelValues(name, string(phase), reason(err)).Inc()
}

// LedgerDesync implements projection.Observer.
func (m *Metrics) LedgerDesync(_ context.Context, name string, _ string) {
	m.desyncs.WithLabelValues(name).Inc()
}

// Committed records the version of a committed snapshot. It is a state.Listener.
func (m *Metrics) Committed(version uint64, _ state.State) {
	m.version.Set(float64(version))
}

// reason keeps label cardinality bounded.
func reason(err error) string {
	switch {
	case errors.Is(err, projection.ErrPanicRecovered), errors.Is(err, state.ErrTransitionPanicked):
		return "panic"
	case errors.Is(err, projection.ErrKeyDerivation):
		return "key"
	default:
		return "error"
	}
}

var _ projection.Observer = (*Metrics)(nil)
