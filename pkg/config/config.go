package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Batching defaults
const (
	DefaultMaxBatchSize  = 50
	DefaultMaxBatchAge   = 5 * time.Second
	DefaultMaxInactivity = 2 * time.Second
)

// Delivery defaults
const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultRetryPeriod    = 120 * time.Second
	DefaultMaxRetryPeriod = 3600 * time.Second
	DefaultBackoffBase    = 3.0
	DefaultMaxBackoff     = 1 * time.Hour
)

// Worker defaults
const (
	DefaultBackgroundWorkers = 2
	DefaultWorkerQueueSize   = 1024
)

// Cache defaults
const (
	DefaultCacheDir          = "./data/tinyship"
	DefaultMaxCachedSessions = 64
	PendingCallsFileName     = "pending_calls.cbor"
	SessionFilePrefix        = "session"
	PayloadFilePrefix        = "payload"
)

// Pending-call limits per endpoint
const (
	MaxPendingLogs     = 10
	MaxPendingEvents   = 100
	MaxPendingSessions = 100
	MaxPendingUnknown  = 50
)

// Collector (fake backend) defaults
const (
	DefaultCollectorPort  = "8080"
	CollectorMaxBodyBytes = 4 << 20
	CollectorReadTimeout  = 15 * time.Second
	CollectorWriteTimeout = 15 * time.Second
)

// Collector live feed (websocket)
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	// WSSubscriberBuffer is how many notices a slow subscriber may lag
	// behind before notices are dropped for it.
	WSSubscriberBuffer = 64
	WSWriteDeadline    = 10 * time.Second
	WSReadDeadline     = 60 * time.Second
	WSPingInterval     = 30 * time.Second
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "TINYSHIP"

// Config holds SDK pipeline configuration.
type Config struct {
	BaseURL   string
	AppID     string
	DeviceID  string
	UserAgent string
	CacheDir  string

	MaxBatchSize  int
	MaxBatchAge   time.Duration
	MaxInactivity time.Duration

	RequestTimeout time.Duration
	RetryPeriod    time.Duration
	MaxRetryPeriod time.Duration
	BackoffBase    float64
	MaxBackoff     time.Duration

	BackgroundWorkers int
	MaxCachedSessions int

	LogLevel  string
	LogFormat string
}

// Default returns a Config populated with the package defaults.
func Default() Config {
	return Config{
		BaseURL:           "http://localhost:" + DefaultCollectorPort,
		UserAgent:         "tinyship-go/0.1",
		CacheDir:          DefaultCacheDir,
		MaxBatchSize:      DefaultMaxBatchSize,
		MaxBatchAge:       DefaultMaxBatchAge,
		MaxInactivity:     DefaultMaxInactivity,
		RequestTimeout:    DefaultRequestTimeout,
		RetryPeriod:       DefaultRetryPeriod,
		MaxRetryPeriod:    DefaultMaxRetryPeriod,
		BackoffBase:       DefaultBackoffBase,
		MaxBackoff:        DefaultMaxBackoff,
		BackgroundWorkers: DefaultBackgroundWorkers,
		MaxCachedSessions: DefaultMaxCachedSessions,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from v, falling back to defaults for unset keys.
// Environment variables are consulted as TINYSHIP_<KEY>, e.g. TINYSHIP_MAX_BATCH_SIZE.
// Passing a nil viper uses a fresh instance bound to the environment only.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	def := Default()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("app_id", def.AppID)
	v.SetDefault("device_id", def.DeviceID)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("cache_dir", def.CacheDir)
	v.SetDefault("max_batch_size", def.MaxBatchSize)
	v.SetDefault("max_batch_age", def.MaxBatchAge)
	v.SetDefault("max_inactivity", def.MaxInactivity)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("retry_period", def.RetryPeriod)
	v.SetDefault("max_retry_period", def.MaxRetryPeriod)
	v.SetDefault("backoff_base", def.BackoffBase)
	v.SetDefault("max_backoff", def.MaxBackoff)
	v.SetDefault("background_workers", def.BackgroundWorkers)
	v.SetDefault("max_cached_sessions", def.MaxCachedSessions)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	cfg := Config{
		BaseURL:           v.GetString("base_url"),
		AppID:             v.GetString("app_id"),
		DeviceID:          v.GetString("device_id"),
		UserAgent:         v.GetString("user_agent"),
		CacheDir:          v.GetString("cache_dir"),
		MaxBatchSize:      v.GetInt("max_batch_size"),
		MaxBatchAge:       v.GetDuration("max_batch_age"),
		MaxInactivity:     v.GetDuration("max_inactivity"),
		RequestTimeout:    v.GetDuration("request_timeout"),
		RetryPeriod:       v.GetDuration("retry_period"),
		MaxRetryPeriod:    v.GetDuration("max_retry_period"),
		BackoffBase:       v.GetFloat64("backoff_base"),
		MaxBackoff:        v.GetDuration("max_backoff"),
		BackgroundWorkers: v.GetInt("background_workers"),
		MaxCachedSessions: v.GetInt("max_cached_sessions"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that numeric settings are usable.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("base_url is required")
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	case c.MaxBatchAge <= 0:
		return fmt.Errorf("max_batch_age must be positive, got %v", c.MaxBatchAge)
	case c.MaxInactivity <= 0:
		return fmt.Errorf("max_inactivity must be positive, got %v", c.MaxInactivity)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	case c.BackoffBase < 1:
		return fmt.Errorf("backoff_base must be >= 1, got %v", c.BackoffBase)
	case c.BackgroundWorkers <= 0:
		return fmt.Errorf("background_workers must be positive, got %d", c.BackgroundWorkers)
	case c.MaxCachedSessions <= 0:
		return fmt.Errorf("max_cached_sessions must be positive, got %d", c.MaxCachedSessions)
	}
	return nil
}
