package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// GpuInstanceOverride pins one instance to an explicit GPU and port,
// bypassing autodiscovery for that slot.
type GpuInstanceOverride struct {
	GpuID   int
	Port    int
	Enabled bool
}

// GpuInstanceList decodes from "gpuId:port[:enabled]" entries separated by
// commas, e.g. MODELMUX_GPU_INSTANCES="0:11434,1:11444:false".
type GpuInstanceList []GpuInstanceOverride

func (l *GpuInstanceList) Decode(value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out GpuInstanceList
	for _, part := range strings.Split(value, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("invalid gpu instance entry %q, want gpuId:port[:enabled]", part)
		}
		gpuID, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("invalid gpu id in %q: %w", part, err)
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid port in %q: %w", part, err)
		}
		enabled := true
		if len(fields) == 3 {
			enabled, err = strconv.ParseBool(fields[2])
			if err != nil {
				return fmt.Errorf("invalid enabled flag in %q: %w", part, err)
			}
		}
		out = append(out, GpuInstanceOverride{GpuID: gpuID, Port: port, Enabled: enabled})
	}
	*l = out
	return nil
}

type Config struct {
	// Provisioning
	EnableGpuLoadBalancing bool            `envconfig:"ENABLE_GPU_LOAD_BALANCING" default:"true"`
	DefaultPort            int             `envconfig:"DEFAULT_PORT" default:"11434"`
	BasePort               int             `envconfig:"BASE_PORT" default:"11434"`
	GpuInstances           GpuInstanceList `envconfig:"GPU_INSTANCES"`

	// Health probing
	HealthCheckIntervalSec      int `envconfig:"HEALTH_CHECK_INTERVAL_SEC" default:"30"`
	HealthCheckCacheDurationSec int `envconfig:"HEALTH_CHECK_CACHE_DURATION_SEC" default:"10"`
	ProbeTimeoutMs              int `envconfig:"PROBE_TIMEOUT_MS" default:"2000"`

	// Breaker
	ErrorRateThreshold      float64 `envconfig:"ERROR_RATE_THRESHOLD" default:"0.5"`
	MinRequestsForErrorRate int64   `envconfig:"MIN_REQUESTS_FOR_ERROR_RATE" default:"20"`
	ErrorBreakerThreshold   int     `envconfig:"ERROR_BREAKER_THRESHOLD" default:"3"`

	// Provider
	MaxConcurrentRequests int  `envconfig:"MAX_CONCURRENT_REQUESTS" default:"4"`
	MaxRetries            int  `envconfig:"MAX_RETRIES" default:"3"`
	BaseRetryDelayMs      int  `envconfig:"BASE_RETRY_DELAY_MS" default:"500"`
	RequestTimeoutMs      int  `envconfig:"REQUEST_TIMEOUT_MS" default:"120000"`
	NormalizePrompts      bool `envconfig:"NORMALIZE_PROMPTS" default:"false"`

	// Dispatcher
	MaxFailovers      int  `envconfig:"MAX_FAILOVERS" default:"2"`
	DegradedResponses bool `envconfig:"DEGRADED_RESPONSES" default:"false"`

	// Response cache
	CacheTTLMinutes int `envconfig:"CACHE_TTL_MINUTES" default:"5"`
	CacheMaxEntries int `envconfig:"CACHE_MAX_ENTRIES" default:"1024"`

	// Cloud providers
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`

	// HTTP API
	ServerHost string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from MODELMUX_-prefixed environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("MODELMUX", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HealthCheckIntervalSec <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold must be in (0, 1]")
	}
	if c.ErrorBreakerThreshold < 1 {
		return fmt.Errorf("error breaker threshold must be at least 1")
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max concurrent requests must be at least 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.MaxFailovers < 0 {
		return fmt.Errorf("max failovers must not be negative")
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("cache max entries must be at least 1")
	}
	return nil
}

func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

func (c Config) HealthCheckCacheDuration() time.Duration {
	return time.Duration(c.HealthCheckCacheDurationSec) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}
