package anchor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesAnchored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchor_batches_total",
		Help: "Batches anchored on chain and persisted.",
	})
	batchesNoop = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchor_batches_noop_total",
		Help: "Worker ticks that found nothing to anchor.",
	})
	batchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchor_batches_failed_total",
		Help: "Batches aborted by an error.",
	})
	anchorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchors_created_total",
		Help: "Anchor commits produced across all batches.",
	})
	requestsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_completed_total",
		Help: "Requests transitioned to COMPLETED.",
	})
	requestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_failed_total",
		Help: "Requests transitioned to FAILED during batch processing.",
	})
	witnessStoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_witness_store_failures_total",
		Help: "Witness CARs that could not be stored; the anchor row is still written.",
	})
	longAnchorAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchor_long_batches_total",
		Help: "Batches that exceeded the long-anchor alert threshold.",
	})
	anchorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cas_anchor_batch_duration_seconds",
		Help:    "Wall time of one anchor batch.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	readyEventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchor_ready_events_total",
		Help: "Anchor-ready notifications emitted for promoted batches.",
	})
	requestsGarbageCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_garbage_collected_total",
		Help: "Expired terminal requests unpinned by the garbage collector.",
	})
)
