package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`

	Breaker    BreakerConfig    `mapstructure:"breaker"`
	UserBudget UserBudgetConfig `mapstructure:"user_budget"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Context    ContextConfig    `mapstructure:"context"`
	Router     RouterConfig     `mapstructure:"router"`
	Prefix     PrefixConfig     `mapstructure:"prefix"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BreakerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Action     string   `mapstructure:"action"` // stop, throttle, warn
	Session    *float64 `mapstructure:"session"`
	Hourly     *float64 `mapstructure:"hourly"`
	Daily      *float64 `mapstructure:"daily"`
	Monthly    *float64 `mapstructure:"monthly"`
	StorageKey string   `mapstructure:"storage_key"`
}

type UserBudgetConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Daily     float64 `mapstructure:"daily"`
	Monthly   float64 `mapstructure:"monthly"`
	TierModel string  `mapstructure:"tier_model"`
}

type GuardConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MinInputChars        int           `mapstructure:"min_input_chars"`
	MaxInputTokens       int           `mapstructure:"max_input_tokens"`
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	Debounce             time.Duration `mapstructure:"debounce"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64       `mapstructure:"max_cost_per_hour"`
	InflightDedup        bool          `mapstructure:"inflight_dedup"`
	EstOutputTokens      int           `mapstructure:"est_output_tokens"`
}

type CacheConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxEntries          int           `mapstructure:"max_entries"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	FactualTTL          time.Duration `mapstructure:"factual_ttl"`
	GeneralTTL          time.Duration `mapstructure:"general_ttl"`
	TimeSensitiveTTL    time.Duration `mapstructure:"time_sensitive_ttl"`
}

type ContextConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxInputTokens    int  `mapstructure:"max_input_tokens"`
	ReserveForOutput  int  `mapstructure:"reserve_for_output"`
	ToolTokenOverhead int  `mapstructure:"tool_token_overhead"`
}

type RouterConfig struct {
	Enabled         bool        `mapstructure:"enabled"`
	Tiers           []TierEntry `mapstructure:"tiers"`
	HoldbackPercent float64     `mapstructure:"holdback_percent"`
}

type TierEntry struct {
	Model         string `mapstructure:"model"`
	MaxComplexity int    `mapstructure:"max_complexity"`
}

type PrefixConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"` // openai, anthropic, google
}

type LedgerConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Broadcast bool `mapstructure:"broadcast"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

// Load reads config.yaml from the given path (or the usual locations) and
// overlays LLMSHIELD_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/llmshield")
	}

	setDefaults(v)

	v.SetEnvPrefix("LLMSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	// Redis defaults
	v.SetDefault("redis.key_prefix", "llmshield:")

	// Breaker defaults
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.action", "stop")
	v.SetDefault("breaker.storage_key", "default")

	// Guard defaults
	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.min_input_chars", 2)
	v.SetDefault("guard.est_output_tokens", 500)
	v.SetDefault("guard.inflight_dedup", true)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.factual_ttl", "168h")
	v.SetDefault("cache.general_ttl", "24h")
	v.SetDefault("cache.time_sensitive_ttl", "5m")

	// Context defaults
	v.SetDefault("context.reserve_for_output", 1024)

	// Router defaults
	v.SetDefault("router.holdback_percent", 0)

	// Prefix defaults
	v.SetDefault("prefix.enabled", true)
	v.SetDefault("prefix.provider", "openai")

	// Ledger defaults
	v.SetDefault("ledger.enabled", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.service_name", "llmshield")
}
