// Package metrics defines the Prometheus collectors of the sync engine.
// Collectors register with the default registry on package load.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_sync_passes_total",
			Help: "Sync passes by result",
		},
		[]string{"result"},
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedsync_sync_pass_duration_seconds",
			Help:    "Duration of full sync passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	SyncRequestsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_sync_requests_coalesced_total",
			Help: "Sync requests folded into a trailing pass",
		},
	)

	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_mutations_total",
			Help: "Local mutations pushed to the remote by kind and result",
		},
		[]string{"kind", "result"},
	)

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedsync_outbox_depth",
			Help: "Mutations waiting in the outbox",
		},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_remote_retries_total",
			Help: "Retried remote calls by operation",
		},
		[]string{"op"},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_realtime_events_total",
			Help: "Realtime change events by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	DeferredEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedsync_deferred_events",
			Help: "Remote events buffered behind an unacknowledged local write",
		},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_conflicts_total",
			Help: "Remote-wins conflict resolutions by entity",
		},
		[]string{"entity"},
	)

	FeedRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedsync_feed_rebuild_duration_seconds",
			Help:    "Duration of bulk feed passes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"feed"},
	)

	FeedItemWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_feed_item_writes_total",
			Help: "Feed item upserts and removals by feed and path",
		},
		[]string{"feed", "op"},
	)
)

// ObserveSince records the time elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
