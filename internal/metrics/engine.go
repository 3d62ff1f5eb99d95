package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local counters mirror the prometheus series so the status endpoint and
// GetConnectionMetrics can read values back (prometheus metrics are
// write-only from application code).
var (
	batchedFetchCount    int64
	relayQueryCount      int64
	connectionsSavedSum  int64
	duplicatesFiltered   int64
	uniqueEventsCount    int64
	breakerTripCount     int64
	publishQueuedCount   int64
	publishDroppedCount  int64
	publishRetrySuccess  int64
)

func IncrementBatchedFetches() {
	BatchedFetches.Inc()
	atomic.AddInt64(&batchedFetchCount, 1)
}

func AddRelayQueries(n int) {
	RelayQueries.Add(float64(n))
	atomic.AddInt64(&relayQueryCount, int64(n))
}

func AddConnectionsSaved(n int) {
	ConnectionsSaved.Add(float64(n))
	atomic.AddInt64(&connectionsSavedSum, int64(n))
}

func AddDuplicatesFiltered(n int) {
	DuplicateEvents.Add(float64(n))
	atomic.AddInt64(&duplicatesFiltered, int64(n))
}

func AddUniqueEvents(n int) {
	EventsFetched.Add(float64(n))
	atomic.AddInt64(&uniqueEventsCount, int64(n))
}

func IncrementBreakerTrips(relay string) {
	CircuitBreakerTrips.WithLabelValues(relay).Inc()
	atomic.AddInt64(&breakerTripCount, 1)
}

func IncrementPublishQueued() {
	PublishQueued.Inc()
	atomic.AddInt64(&publishQueuedCount, 1)
}

func IncrementPublishDropped() {
	PublishDropped.Inc()
	atomic.AddInt64(&publishDroppedCount, 1)
}

func IncrementPublishRetrySuccess() {
	PublishRetrySucceeded.Inc()
	atomic.AddInt64(&publishRetrySuccess, 1)
}

func GetBatchedFetchCount() int64   { return atomic.LoadInt64(&batchedFetchCount) }
func GetRelayQueryCount() int64     { return atomic.LoadInt64(&relayQueryCount) }
func GetConnectionsSaved() int64    { return atomic.LoadInt64(&connectionsSavedSum) }
func GetDuplicatesFiltered() int64  { return atomic.LoadInt64(&duplicatesFiltered) }
func GetUniqueEventsCount() int64   { return atomic.LoadInt64(&uniqueEventsCount) }
func GetBreakerTripCount() int64    { return atomic.LoadInt64(&breakerTripCount) }
func GetPublishQueuedCount() int64  { return atomic.LoadInt64(&publishQueuedCount) }
func GetPublishDroppedCount() int64 { return atomic.LoadInt64(&publishDroppedCount) }
func GetPublishRetrySuccess() int64 { return atomic.LoadInt64(&publishRetrySuccess) }

// Metrics for coverage computation, batched fetching and publishing.
var (
	BatchedFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_batched_fetches_total",
		Help: "The total number of batched fetch operations",
	})

	RelayQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_queries_total",
		Help: "The total number of per-relay queries executed",
	})

	ConnectionsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_connections_saved_total",
		Help: "Connections avoided versus the naive per-author fan-out",
	})

	EventsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_fetched_total",
		Help: "The total number of unique events returned by batched fetches",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_duplicate_events_total",
		Help: "The total number of duplicate events filtered during dedup",
	})

	CoveragePercent = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_coverage_percent",
		Help:    "Author coverage achieved per batched fetch",
		Buckets: prometheus.LinearBuckets(0, 10, 11), // 0..100
	})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_fetch_duration_seconds",
		Help:    "Wall time of batched fetches",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
	})

	RelayQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_relay_query_duration_seconds",
		Help:    "Per-relay query latency by outcome",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	}, []string{"outcome"}) // "success", "failure", "timeout"

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_circuit_breaker_trips_total",
		Help: "Circuit breaker open transitions by relay",
	}, []string{"relay"})

	CircuitBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_circuit_breaker_open",
		Help: "The number of relays currently in the open state",
	})

	RelayListCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_list_cache_hits_total",
		Help: "Preference resolver cache hits",
	})

	RelayListCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_list_cache_misses_total",
		Help: "Preference resolver cache misses (including TTL expiry)",
	})

	PublishQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_queued_total",
		Help: "Publishes that entered the retry queue after failing all relays",
	})

	PublishRetrySucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_retry_succeeded_total",
		Help: "Queued publishes that eventually succeeded on retry",
	})

	PublishDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_dropped_total",
		Help: "Queued publishes dropped after exhausting attempts or age",
	})

	PublishQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_publish_queue_depth",
		Help: "The number of publishes currently awaiting retry",
	})
)

// RegisterMetrics pre-registers labeled series so scrapes see them at zero.
func RegisterMetrics() {
	for _, outcome := range []string{"success", "failure", "timeout"} {
		RelayQueryDuration.WithLabelValues(outcome)
	}
}
