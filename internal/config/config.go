package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/Shugur-Network/outbox/internal/logger"
	"github.com/Shugur-Network/outbox/internal/relayutil"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub‑config.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"   validate:"required"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   validate:"required"`
	Engine    EngineConfig    `mapstructure:"engine"    validate:"required"`
	Breaker   BreakerConfig   `mapstructure:"breaker"   validate:"required"`
	Resolver  ResolverConfig  `mapstructure:"resolver"  validate:"required"`
	Publish   PublishConfig   `mapstructure:"publish"   validate:"required"`
	Transport TransportConfig `mapstructure:"transport" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)

		if err := validate.Struct(cfg.Logging); err != nil {
			sl.ReportError(cfg.Logging, "Logging", "Logging", "required", "")
		}
		if err := validate.Struct(cfg.Metrics); err != nil {
			sl.ReportError(cfg.Metrics, "Metrics", "Metrics", "required", "")
		}
		if err := validate.Struct(cfg.Engine); err != nil {
			sl.ReportError(cfg.Engine, "Engine", "Engine", "required", "")
		}
		if err := validate.Struct(cfg.Breaker); err != nil {
			sl.ReportError(cfg.Breaker, "Breaker", "Breaker", "required", "")
		}
		if err := validate.Struct(cfg.Resolver); err != nil {
			sl.ReportError(cfg.Resolver, "Resolver", "Resolver", "required", "")
		}
		if err := validate.Struct(cfg.Publish); err != nil {
			sl.ReportError(cfg.Publish, "Publish", "Publish", "required", "")
		}
		if err := validate.Struct(cfg.Transport); err != nil {
			sl.ReportError(cfg.Transport, "Transport", "Transport", "required", "")
		}

		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Validate relay URL (ws:// or wss://)
	if err := validate.RegisterValidation("relay_url", func(fl validator.FieldLevel) bool {
		return relayutil.IsValid(fl.Field().String())
	}); err != nil {
		logger.Error("Failed to register relay_url validator", zap.Error(err))
	}

	// Validate duration is reasonable (not too short or too long)
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 24 hours
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Validate timeout duration (shorter range)
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 1 hour
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	// Validate log level
	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		validLevels := []string{"debug", "info", "warn", "error", "fatal"}
		for _, valid := range validLevels {
			if level == valid {
				return true
			}
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	// Validate log format
	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Per-relay timeout must fit inside the global budget
	if cfg.Engine.PerRelayTimeout > cfg.Engine.GlobalTimeout {
		sl.ReportError(cfg.Engine.PerRelayTimeout, "PerRelayTimeout", "PerRelayTimeout", "per_relay_exceeds_global", "")
	}

	// Backoff base must not exceed the cap
	if cfg.Publish.RetryBackoffBase > cfg.Publish.RetryBackoffMax {
		sl.ReportError(cfg.Publish.RetryBackoffBase, "RetryBackoffBase", "RetryBackoffBase", "backoff_base_exceeds_max", "")
	}

	// Queue entries must get at least one retry before aging out
	if cfg.Publish.ScanInterval > cfg.Publish.MaxAge {
		sl.ReportError(cfg.Publish.ScanInterval, "ScanInterval", "ScanInterval", "scan_exceeds_max_age", "")
	}

	// The failure rate window needs enough samples to be meaningful
	// relative to the consecutive-failure threshold
	if cfg.Breaker.FailureRateWindow < cfg.Breaker.FailureThreshold {
		sl.ReportError(cfg.Breaker.FailureRateWindow, "FailureRateWindow", "FailureRateWindow", "window_below_threshold", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OUTBOX") // OUTBOX_ENGINE_MAX_RELAYS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		// Check for config.yaml in current directory if no path specified
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			// Config file not found is okay, we'll use defaults
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else {
			if log != nil {
				log.Info("Loaded config.yaml from current directory")
			}
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil { // ← use Exact
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	// Normalize lookup relay URLs up front so the rest of the engine
	// never sees mixed-case or trailing-slash variants
	cfg.Resolver.LookupRelays = relayutil.NormalizeAll(cfg.Resolver.LookupRelays)

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
		)
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	} else {
		if log != nil {
			log.Info("logger initialized",
				zap.String("level", cfg.Logging.Level),
				zap.String("format", cfg.Logging.Format),
				zap.String("file", cfg.Logging.FilePath),
			)
		}
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("outbox"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string

		for _, fieldError := range validationErrors {
			message := getFieldErrorMessage(fieldError)
			messages = append(messages, message)
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "relay_url":
		return fmt.Sprintf("%s must be a valid relay URL with 'ws://' or 'wss://' scheme (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "per_relay_exceeds_global":
		return fmt.Sprintf("%s must not exceed the global fetch timeout", field)
	case "backoff_base_exceeds_max":
		return fmt.Sprintf("%s must not exceed the maximum retry backoff", field)
	case "scan_exceeds_max_age":
		return fmt.Sprintf("%s must not exceed the queue entry max age", field)
	case "window_below_threshold":
		return fmt.Sprintf("%s must be at least as large as the failure threshold", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
