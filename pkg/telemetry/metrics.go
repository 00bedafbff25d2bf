package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docker/execops/pkg/mission"
)

const namespace = "execops"

// Metrics are the Prometheus collectors updated by the supervisor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	missions        *prometheus.CounterVec
	rearms          prometheus.Counter
	staleResults    prometheus.Counter
	pairs           prometheus.Counter
	missionDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		missions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missions_total",
				Help:      "Missions finalized, by outcome",
			},
			[]string{"outcome"},
		),
		rearms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_rearms_total",
			Help:      "Times the watchdog was re-armed by a status report",
		}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Relay events dropped because their mission was no longer current",
		}),
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_provisioned_total",
			Help:      "Relay and executor pairs provisioned",
		}),
		missionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mission_duration_seconds",
			Help:      "Time from submission to completion callback",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	reg.MustRegister(m.missions, m.rearms, m.staleResults, m.pairs, m.missionDuration)
	return m
}

func (m *Metrics) MissionFinished(outcome mission.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.missions.WithLabelValues(string(outcome)).Inc()
	m.missionDuration.Observe(d.Seconds())
}

func (m *Metrics) Rearmed() {
	if m == nil {
		return
	}
	m.rearms.Inc()
}

func (m *Metrics) StaleResult() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

func (m *Metrics) PairProvisioned() {
	if m == nil {
		return
	}
	m.pairs.Inc()
}
