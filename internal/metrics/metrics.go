package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outpost"

var (
	EventsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_synced_total",
		Help:      "Queue events successfully applied and marked synced.",
	})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_failed_total",
		Help:      "Queue event failures by kind (transient, terminal).",
	}, []string{"kind"})

	ConflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_detected_total",
		Help:      "Divergences reported by apply handlers.",
	})

	ConflictsAutoResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_auto_resolved_total",
		Help:      "Conflicts resolved without human intervention.",
	})

	SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_cycle_duration_seconds",
		Help:      "Duration of a per-device sync cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Cache entries evicted under capacity pressure.",
	})

	AnalyticsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_dropped_total",
		Help:      "Telemetry events dropped by the lossy buffer.",
	})

	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_failures_total",
		Help:      "Content-hash mismatches on previously accepted events.",
	})
)
