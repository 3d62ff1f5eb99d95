package constants

import "time"

// Engine defaults. Every value here can be overridden through configuration;
// these are the fallbacks baked into defaults.yaml as well.
const (
	// Coverage / batching
	DefaultMaxRelays          = 15
	DefaultMaxRelaysPerAuthor = 2
	DefaultPerRelayTimeout    = 5 * time.Second
	DefaultGlobalTimeout      = 15 * time.Second

	// Circuit breaker
	DefaultFailureThreshold  = 5
	DefaultFailureRateWindow = 20
	DefaultBreakerCooldown   = 60 * time.Second
	DefaultConnectedWindow   = 5 * time.Minute

	// Latency smoothing factor for the exponential moving average.
	// new = old*(1-alpha) + sample*alpha
	LatencySmoothingAlpha = 0.3

	// Preference resolver
	DefaultRelayListTTL  = time.Hour
	DefaultLookupTimeout = 5 * time.Second

	// Publish queue
	DefaultRetryBackoffBase = 5 * time.Second
	DefaultRetryBackoffMax  = 10 * time.Minute
	DefaultMaxRetryAttempts = 10
	DefaultQueueMaxAge      = 24 * time.Hour
	DefaultQueueScanEvery   = 15 * time.Second
	DefaultPublishTimeout   = 10 * time.Second

	// Transport
	DefaultDialRate  = 4.0 // queries per second per relay
	DefaultDialBurst = 8
)

// Dedup bloom filter sizing. A positive is always confirmed against the
// exact id set, so the false-positive rate only costs map lookups.
const (
	DedupBloomCapacity = 1_000_000
	DedupBloomFPRate   = 0.01
)

// Database pool sizing, scaled by expected fetch concurrency.
const (
	DBPoolSmallMaxConns  = 5
	DBPoolSmallMinConns  = 1
	DBPoolMediumMaxConns = 15
	DBPoolMediumMinConns = 3
	DBPoolLargeMaxConns  = 30
	DBPoolLargeMinConns  = 5

	DBConnMaxLifetime    = 30 * time.Minute
	DBConnMaxIdleTime    = 5 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
)

// HealthCheckTimeout bounds the status endpoint's component checks (seconds).
const HealthCheckTimeout = 5
