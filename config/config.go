package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Quoteflow    QuoteflowConfig    `yaml:"quoteflow"`
	Logging      LoggingConfig      `yaml:"logging"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Cache        CacheConfig        `yaml:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Batch        BatchConfig        `yaml:"batch"`
	Channels     ChannelsConfig     `yaml:"channels"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// ConnectionConfig bounds the provider connection pool and drives the
// background health and cleanup loops.
type ConnectionConfig struct {
	MaxPerClient        int           `yaml:"max_per_client"`
	MaxTotal            int           `yaml:"max_total"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	DialRate            float64       `yaml:"dial_rate"`
	DialBurst           int           `yaml:"dial_burst"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
}

// PipelineConfig carries the per-stage deadlines and retry policy.
type PipelineConfig struct {
	TransformTimeout time.Duration `yaml:"transform_timeout"`
	CacheTimeout     time.Duration `yaml:"cache_timeout"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

type CacheConfig struct {
	HotSize              int           `yaml:"hot_size"`
	HotTTL               time.Duration `yaml:"hot_ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	KeyPrefix            string        `yaml:"key_prefix"`
	Redis                RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// OrchestratorConfig holds the strategy TTL table and the background
// refresh trigger ratio.
type OrchestratorConfig struct {
	RefreshRatio        float64       `yaml:"refresh_ratio"`
	StrongTimelinessTTL time.Duration `yaml:"strong_timeliness_ttl"`
	MarketAwareTTL      time.Duration `yaml:"market_aware_ttl"`
	AdaptiveTTL         time.Duration `yaml:"adaptive_ttl"`
	WeakTimelinessTTL   time.Duration `yaml:"weak_timeliness_ttl"`
}

type BatchConfig struct {
	MaxBatchSize    int `yaml:"max_batch_size"`
	MemoryCeilingMB int `yaml:"memory_ceiling_mb"`
}

type ChannelsConfig struct {
	BroadcastBuffer int `yaml:"broadcast_buffer"`
}

// DefaultConfigPath is where LoadConfig looks when no explicit path is
// given. Staging and production deployments may override it with their
// own file next to it.
const DefaultConfigPath = "config/config.yml"

func LoadConfig(path string) (*Config, error) {
	path = resolveConfigPath(path, DefaultConfigPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override Redis settings from environment variables if available
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Cache.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Redis.Password = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in the documented defaults for every optional knob so
// downstream components never have to guard against zero values.
func applyDefaults(cfg *Config) {
	if cfg.Connection.MaxPerClient == 0 {
		cfg.Connection.MaxPerClient = 10
	}
	if cfg.Connection.MaxTotal == 0 {
		cfg.Connection.MaxTotal = 1000
	}
	if cfg.Connection.StaleAfter == 0 {
		cfg.Connection.StaleAfter = 5 * time.Minute
	}
	if cfg.Connection.HealthCheckInterval == 0 {
		cfg.Connection.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Connection.CleanupInterval == 0 {
		cfg.Connection.CleanupInterval = 60 * time.Second
	}
	if cfg.Connection.DialRate == 0 {
		cfg.Connection.DialRate = 5
	}
	if cfg.Connection.DialBurst == 0 {
		cfg.Connection.DialBurst = 10
	}
	if cfg.Connection.HandshakeTimeout == 0 {
		cfg.Connection.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Pipeline.TransformTimeout == 0 {
		cfg.Pipeline.TransformTimeout = 5 * time.Second
	}
	if cfg.Pipeline.CacheTimeout == 0 {
		cfg.Pipeline.CacheTimeout = 3 * time.Second
	}
	if cfg.Pipeline.BroadcastTimeout == 0 {
		cfg.Pipeline.BroadcastTimeout = 2 * time.Second
	}
	if cfg.Pipeline.RetryAttempts == 0 {
		cfg.Pipeline.RetryAttempts = 3
	}
	if cfg.Pipeline.RetryBaseDelay == 0 {
		cfg.Pipeline.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Cache.HotSize == 0 {
		cfg.Cache.HotSize = 1000
	}
	if cfg.Cache.HotTTL == 0 {
		cfg.Cache.HotTTL = 30 * time.Second
	}
	if cfg.Cache.CompressionThreshold == 0 {
		cfg.Cache.CompressionThreshold = 1024
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "quoteflow"
	}
	if cfg.Cache.Redis.DialTimeout == 0 {
		cfg.Cache.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Cache.Redis.ReadTimeout == 0 {
		cfg.Cache.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Orchestrator.RefreshRatio == 0 {
		cfg.Orchestrator.RefreshRatio = 0.8
	}
	if cfg.Orchestrator.StrongTimelinessTTL == 0 {
		cfg.Orchestrator.StrongTimelinessTTL = 5 * time.Second
	}
	if cfg.Orchestrator.MarketAwareTTL == 0 {
		cfg.Orchestrator.MarketAwareTTL = 60 * time.Second
	}
	if cfg.Orchestrator.AdaptiveTTL == 0 {
		cfg.Orchestrator.AdaptiveTTL = 120 * time.Second
	}
	if cfg.Orchestrator.WeakTimelinessTTL == 0 {
		cfg.Orchestrator.WeakTimelinessTTL = 300 * time.Second
	}
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = 100
	}
	if cfg.Batch.MemoryCeilingMB == 0 {
		cfg.Batch.MemoryCeilingMB = 256
	}
	if cfg.Channels.BroadcastBuffer == 0 {
		cfg.Channels.BroadcastBuffer = 1024
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}

	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if cfg.Connection.MaxPerClient <= 0 {
		return fmt.Errorf("connection.max_per_client must be greater than 0")
	}
	if cfg.Connection.MaxTotal < cfg.Connection.MaxPerClient {
		return fmt.Errorf("connection.max_total must be at least connection.max_per_client")
	}
	if cfg.Connection.HealthCheckInterval <= 0 {
		return fmt.Errorf("connection.health_check_interval must be greater than 0")
	}
	if cfg.Connection.CleanupInterval <= 0 {
		return fmt.Errorf("connection.cleanup_interval must be greater than 0")
	}

	if cfg.Pipeline.TransformTimeout <= 0 {
		return fmt.Errorf("pipeline.transform_timeout must be greater than 0")
	}
	if cfg.Pipeline.CacheTimeout <= 0 {
		return fmt.Errorf("pipeline.cache_timeout must be greater than 0")
	}
	if cfg.Pipeline.BroadcastTimeout <= 0 {
		return fmt.Errorf("pipeline.broadcast_timeout must be greater than 0")
	}

	if cfg.Cache.HotSize <= 0 {
		return fmt.Errorf("cache.hot_size must be greater than 0")
	}
	if cfg.Cache.CompressionThreshold <= 0 {
		return fmt.Errorf("cache.compression_threshold must be greater than 0")
	}

	if cfg.Orchestrator.RefreshRatio <= 0 || cfg.Orchestrator.RefreshRatio >= 1 {
		return fmt.Errorf("orchestrator.refresh_ratio must be between 0 and 1")
	}

	// Development runs fall back to the in-process warm tier; anything
	// production-like must name a real one.
	if env := AppEnvironment(); IsProductionLike(env) && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when APP_ENV is %s", env)
	}

	if cfg.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be greater than 0")
	}

	return nil
}
