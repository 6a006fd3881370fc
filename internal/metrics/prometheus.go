package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Server-side metrics
	PublishesTotal     *prometheus.CounterVec
	InvalidationsTotal *prometheus.CounterVec
	PublishConflicts   *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	EventPublishFailed *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec

	// Client-side metrics
	SyncAttempts     *prometheus.CounterVec
	SyncFailures     *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	RowsLoaded       *prometheus.GaugeVec
	ManagerState     *prometheus.GaugeVec
	ListenerNotifies *prometheus.CounterVec
	EventsDiscarded  *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics on the given
// registerer (pass prometheus.DefaultRegisterer outside tests)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PublishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_publishes_total",
				Help: "Total number of snapshot publishes",
			},
			[]string{"organization_id"},
		),

		InvalidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_invalidations_total",
				Help: "Total number of cache invalidations issued",
			},
			[]string{"organization_id"},
		),

		PublishConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_publish_conflicts_total",
				Help: "Version bump conflicts surfaced by the state store",
			},
			[]string{"organization_id"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_change_events_published_total",
				Help: "Change events emitted to the notification channel",
			},
			[]string{"organization_id"},
		),

		EventPublishFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_change_event_publish_failures_total",
				Help: "Change events that could not be emitted",
			},
			[]string{"organization_id"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stocksync_request_duration_seconds",
				Help:    "Duration of admin API request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SyncAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_sync_attempts_total",
				Help: "Resync attempts by trigger",
			},
			[]string{"organization_id", "trigger"},
		),

		SyncFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_sync_failures_total",
				Help: "Resync failures by error kind",
			},
			[]string{"organization_id", "kind"},
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stocksync_sync_duration_seconds",
				Help:    "Duration of fetch-transform-replace cycles",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"organization_id"},
		),

		RowsLoaded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stocksync_rows_loaded",
				Help: "Rows currently held in the local replica",
			},
			[]string{"organization_id", "kind"},
		),

		ManagerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stocksync_manager_state",
				Help: "Current state manager state (1 for the active state)",
			},
			[]string{"organization_id", "state"},
		),

		ListenerNotifies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_listener_notifications_total",
				Help: "Updates fanned out to registered listeners",
			},
			[]string{"organization_id", "type"},
		),

		EventsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_change_events_discarded_total",
				Help: "Stale or duplicate change events discarded",
			},
			[]string{"organization_id"},
		),
	}
}
