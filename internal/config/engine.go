package config

import "time"

// EngineConfig holds coverage/batching settings.
type EngineConfig struct {
	MaxRelays          int           `mapstructure:"MAX_RELAYS"            json:"max_relays"            validate:"required,min=1,max=100"`
	MaxRelaysPerAuthor int           `mapstructure:"MAX_RELAYS_PER_AUTHOR" json:"max_relays_per_author" validate:"required,min=1,max=10"`
	MinCoverage        float64       `mapstructure:"MIN_COVERAGE"          json:"min_coverage"          validate:"min=0,max=1"`
	PerRelayTimeout    time.Duration `mapstructure:"PER_RELAY_TIMEOUT"     json:"per_relay_timeout"     validate:"required,timeout_duration"`
	GlobalTimeout      time.Duration `mapstructure:"GLOBAL_TIMEOUT"        json:"global_timeout"        validate:"required,timeout_duration"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"FAILURE_THRESHOLD"   json:"failure_threshold"   validate:"required,min=1,max=100"`
	FailureRateWindow int           `mapstructure:"FAILURE_RATE_WINDOW" json:"failure_rate_window" validate:"required,min=2,max=1000"`
	Cooldown          time.Duration `mapstructure:"COOLDOWN"            json:"cooldown"            validate:"required,timeout_duration"`
	ConnectedWindow   time.Duration `mapstructure:"CONNECTED_WINDOW"    json:"connected_window"    validate:"required,reasonable_duration"`
}

// ResolverConfig holds NIP-65 preference lookup settings.
type ResolverConfig struct {
	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"      json:"cache_ttl"      validate:"required,reasonable_duration"`
	LookupTimeout time.Duration `mapstructure:"LOOKUP_TIMEOUT" json:"lookup_timeout" validate:"required,timeout_duration"`
	LookupRelays  []string      `mapstructure:"LOOKUP_RELAYS"  json:"lookup_relays"  validate:"required,min=1,dive,relay_url"`
}

// PublishConfig holds retry queue settings.
type PublishConfig struct {
	RetryBackoffBase time.Duration `mapstructure:"RETRY_BACKOFF_BASE" json:"retry_backoff_base" validate:"required,timeout_duration"`
	RetryBackoffMax  time.Duration `mapstructure:"RETRY_BACKOFF_MAX"  json:"retry_backoff_max"  validate:"required,reasonable_duration"`
	MaxRetryAttempts int           `mapstructure:"MAX_RETRY_ATTEMPTS" json:"max_retry_attempts" validate:"required,min=1,max=100"`
	MaxAge           time.Duration `mapstructure:"MAX_AGE"            json:"max_age"            validate:"required,reasonable_duration"`
	ScanInterval     time.Duration `mapstructure:"SCAN_INTERVAL"      json:"scan_interval"      validate:"required,timeout_duration"`
	PublishTimeout   time.Duration `mapstructure:"PUBLISH_TIMEOUT"    json:"publish_timeout"    validate:"required,timeout_duration"`
}

// TransportConfig holds wire-level settings.
type TransportConfig struct {
	DialRate  float64 `mapstructure:"DIAL_RATE"  json:"dial_rate"  validate:"required,gt=0,max=100"`
	DialBurst int     `mapstructure:"DIAL_BURST" json:"dial_burst" validate:"required,min=1,max=1000"`
}
