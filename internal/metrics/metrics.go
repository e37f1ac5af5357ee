package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifysync_events_received_total",
		Help: "Change-stream events received, by op.",
	}, []string{"op"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_events_dropped_total",
		Help: "Change-stream events dropped at the validation boundary.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_reconnects_total",
		Help: "Reconnection attempts against the live change stream.",
	})

	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notifysync_connection_state",
		Help: "Current connection state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	ResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notifysync_resync_duration_seconds",
		Help:    "Duration of missed-event resync after a connectivity gap.",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifysync_offline_queue_depth",
		Help: "Current number of operations in the offline queue.",
	})

	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifysync_offline_queue_enqueued_total",
		Help: "Operations captured by the offline queue, by kind.",
	}, []string{"kind"})

	QueueSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifysync_offline_queue_synced_total",
		Help: "Operations successfully replayed, by kind.",
	}, []string{"kind"})

	QueueReplayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_offline_queue_replay_failures_total",
		Help: "Replay attempts that failed.",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_cache_hits_total",
		Help: "Notification cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_cache_misses_total",
		Help: "Notification cache misses.",
	})

	OptimisticRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_optimistic_rollbacks_total",
		Help: "Optimistic updates rolled back after failure or timeout.",
	})

	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifysync_crosstab_broadcasts_total",
		Help: "Messages broadcast to peer contexts.",
	})
)

// SetConnectionState flips the state gauge so exactly one label is 1.
func SetConnectionState(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
