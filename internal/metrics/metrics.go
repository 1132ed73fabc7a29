// Package metrics exposes the engine's Prometheus collectors and a loopback
// -only /metrics and /healthz HTTP surface. There is no public API in this
// engine; this is strictly an operator-facing side channel.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds every metric the engine records. All label sets are kept
// small and bounded (partner/provider ids, never participant or event ids)
// to avoid unbounded cardinality.
type Collectors struct {
	SyncRunsTotal        *prometheus.CounterVec
	SyncDuration         *prometheus.HistogramVec
	ParticipantsSynced   *prometheus.CounterVec
	SyncErrorsTotal      *prometheus.CounterVec
	RateLimitHeadroom    *prometheus.GaugeVec
	DiscoveryRunsTotal   *prometheus.CounterVec
	SchedulerCycleEvents *prometheus.GaugeVec
	SchedulerCycleDur    prometheus.Histogram
}

// New builds a Collectors instance and registers it against registerer.
func New(registerer prometheus.Registerer) *Collectors {
	c := &Collectors{
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_engine_sync_runs_total",
				Help: "Total Sync Executor invocations, labelled by kind and outcome.",
			},
			[]string{"provider", "kind", "status"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_engine_sync_duration_seconds",
				Help:    "Sync Executor invocation wall-clock duration.",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "kind"},
		),
		ParticipantsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_engine_participants_synced_total",
				Help: "Total participant rows upserted.",
			},
			[]string{"provider"},
		),
		SyncErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_engine_sync_errors_total",
				Help: "Total per-row errors absorbed during sync (DataError/IntegrityError).",
			},
			[]string{"provider"},
		),
		RateLimitHeadroom: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_engine_rate_limit_headroom_tokens",
				Help: "Current token bucket headroom per (partner, provider).",
			},
			[]string{"partner", "provider"},
		),
		DiscoveryRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_engine_discovery_runs_total",
				Help: "Total discovery sweeps, labelled by outcome.",
			},
			[]string{"status"},
		),
		SchedulerCycleEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_engine_scheduler_cycle_events",
				Help: "Events dispatched in the most recent scheduler cycle, by band.",
			},
			[]string{"band"},
		),
		SchedulerCycleDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "provider_engine_scheduler_cycle_duration_seconds",
				Help:    "Scheduler tick wall-clock duration.",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			c.SyncRunsTotal,
			c.SyncDuration,
			c.ParticipantsSynced,
			c.SyncErrorsTotal,
			c.RateLimitHeadroom,
			c.DiscoveryRunsTotal,
			c.SchedulerCycleEvents,
			c.SchedulerCycleDur,
		)
	}
	return c
}

// ObserveSync records the outcome of one Sync Executor invocation.
func (c *Collectors) ObserveSync(providerID, kind, status string, duration time.Duration, participants, errs int) {
	c.SyncRunsTotal.WithLabelValues(providerID, kind, status).Inc()
	c.SyncDuration.WithLabelValues(providerID, kind).Observe(duration.Seconds())
	c.ParticipantsSynced.WithLabelValues(providerID).Add(float64(participants))
	if errs > 0 {
		c.SyncErrorsTotal.WithLabelValues(providerID).Add(float64(errs))
	}
}

var (
	globalOnce sync.Once
	global     *Collectors
)

// Global returns a process-wide Collectors instance registered against the
// default Prometheus registry, constructing it on first use.
func Global() *Collectors {
	globalOnce.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}
