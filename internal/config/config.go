package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-fallback/internal/logging"
	"market-fallback/internal/provider"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Providers   []ProviderConfig  `mapstructure:"providers"`
	Health      HealthConfig      `mapstructure:"health"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Fallback    FallbackConfig    `mapstructure:"fallback"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Normalize   NormalizeConfig   `mapstructure:"normalize"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	API         APIConfig         `mapstructure:"api"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend. An empty driver
// with an empty DSN disables persistence.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Persistence database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ResolvedDriver returns the configured driver, inferring postgres from a DSN.
func (d DatabaseConfig) ResolvedDriver() string {
	driver := strings.ToLower(strings.TrimSpace(d.Driver))
	if driver == "" && d.DSN != "" {
		return DriverPostgres
	}
	return driver
}

// ProviderConfig is one entry of the ordered provider list.
type ProviderConfig struct {
	Name          string            `mapstructure:"name"`
	Class         string            `mapstructure:"class"`
	Priority      int               `mapstructure:"priority"`
	Enabled       bool              `mapstructure:"enabled"`
	BaseURL       string            `mapstructure:"base_url"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
	QualityTier   string            `mapstructure:"quality_tier"`
	RateLimit     float64           `mapstructure:"rate_limit"`
	MaxBodyBytes  int64             `mapstructure:"max_body_bytes"`
	Options       map[string]string `mapstructure:"options"`
}

// Descriptor converts the entry into the provider's static identity.
func (p ProviderConfig) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:          p.Name,
		Class:         p.Class,
		Priority:      p.Priority,
		Tier:          provider.ParseTier(p.QualityTier),
		Enabled:       p.Enabled,
		Timeout:       p.Timeout,
		RetryAttempts: p.RetryAttempts,
		BaseURL:       p.BaseURL,
		RateLimit:     p.RateLimit,
		MaxBodyBytes:  p.MaxBodyBytes,
	}
}

// HealthConfig governs probing and status derivation.
type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	WindowSize        int           `mapstructure:"window_size"`
	WindowAge         time.Duration `mapstructure:"window_age"`
	ActiveThreshold   float64       `mapstructure:"active_threshold"`
	DegradedThreshold float64       `mapstructure:"degraded_threshold"`
	BaseCooldown      time.Duration `mapstructure:"base_cooldown"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

// CacheConfig bounds the last-known-good store.
type CacheConfig struct {
	TTLHours    int  `mapstructure:"ttl_hours"`
	MaxAgeHours int  `mapstructure:"max_age_hours"`
	MaxEntries  int  `mapstructure:"max_entries"`
	Persist     bool `mapstructure:"persist"`
}

// TTL returns the staleness threshold.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

// MaxAge returns the pruning threshold.
func (c CacheConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeHours) * time.Hour }

// FallbackConfig tunes the provider walk.
type FallbackConfig struct {
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	Mode             string        `mapstructure:"mode"`
	DefaultDays      int           `mapstructure:"default_days"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// Fallback modes.
const (
	ModeAvailability = "availability"
	ModeStrict       = "strict"
)

// QualityConfig parameterises the scoring rubric.
type QualityConfig struct {
	FreshnessWindow      time.Duration `mapstructure:"freshness_window"`
	MaxAge               time.Duration `mapstructure:"max_age"`
	ConsistencyTolerance float64       `mapstructure:"consistency_tolerance"`
	ConsistencyHorizon   time.Duration `mapstructure:"consistency_horizon"`
}

// NormalizeConfig controls symbol canonicalization and range checks.
type NormalizeConfig struct {
	SymbolsFile string  `mapstructure:"symbols_file"`
	MinPrice    float64 `mapstructure:"min_price"`
	MaxPrice    float64 `mapstructure:"max_price"`
}

// RecoveryConfig sets the failure burst that forces a provider unavailable.
type RecoveryConfig struct {
	BurstThreshold int           `mapstructure:"burst_threshold"`
	BurstWindow    time.Duration `mapstructure:"burst_window"`
}

// MaintenanceConfig governs the periodic housekeeping job.
type MaintenanceConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP surface served by run.
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MDFALLBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// DefaultProviders mirrors the stock provider list: the exchange first, the
// global quote service second, the central bank third and the fund scraper
// registered but disabled.
func DefaultProviders() []map[string]any {
	return []map[string]any{
		{
			"name":           "moex",
			"class":          "moex",
			"priority":       1,
			"enabled":        true,
			"base_url":       "https://iss.moex.com/iss",
			"timeout":        "10s",
			"retry_attempts": 3,
			"quality_tier":   "high",
			"rate_limit":     2.0,
		},
		{
			"name":           "yahoo_finance",
			"class":          "yahoo",
			"priority":       2,
			"enabled":        true,
			"base_url":       "https://query1.finance.yahoo.com/v8/finance",
			"timeout":        "15s",
			"retry_attempts": 2,
			"quality_tier":   "medium",
			"options":        map[string]string{"ticker_suffix": ".ME"},
		},
		{
			"name":           "cbr",
			"class":          "cbr",
			"priority":       3,
			"enabled":        true,
			"base_url":       "https://www.cbr-xml-daily.ru/api",
			"timeout":        "10s",
			"retry_attempts": 3,
			"quality_tier":   "high",
		},
		{
			"name":           "investfunds",
			"class":          "investfunds",
			"priority":       4,
			"enabled":        false,
			"base_url":       "https://investfunds.ru",
			"timeout":        "15s",
			"retry_attempts": 1,
			"quality_tier":   "low",
			"rate_limit":     0.5,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mdfallback")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("providers", DefaultProviders())

	v.SetDefault("health.interval", "300s")
	v.SetDefault("health.window_size", 20)
	v.SetDefault("health.window_age", "0s")
	v.SetDefault("health.active_threshold", 0.9)
	v.SetDefault("health.degraded_threshold", 0.5)
	v.SetDefault("health.base_cooldown", "30s")
	v.SetDefault("health.max_cooldown", "30m")
	v.SetDefault("health.probe_timeout", "10s")

	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_age_hours", 168)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.persist", true)

	v.SetDefault("fallback.quality_threshold", 0.7)
	v.SetDefault("fallback.mode", ModeAvailability)
	v.SetDefault("fallback.default_days", 365)
	v.SetDefault("fallback.retry_backoff", "200ms")

	v.SetDefault("quality.freshness_window", "1h")
	v.SetDefault("quality.max_age", "72h")
	v.SetDefault("quality.consistency_tolerance", 0.05)
	v.SetDefault("quality.consistency_horizon", "15m")

	v.SetDefault("normalize.min_price", 0.01)
	v.SetDefault("normalize.max_price", 10000.0)

	v.SetDefault("recovery.burst_threshold", 5)
	v.SetDefault("recovery.burst_window", "10m")

	v.SetDefault("maintenance.interval", "5m")
	v.SetDefault("maintenance.advisory_lock_key", int64(0x6d646662))
	v.SetDefault("maintenance.snapshot_retention", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.request_timeout", "60s")
	v.SetDefault("api.max_body_bytes", 1<<20)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.sqlite_path", "mdfallback.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be greater than zero")
	}
	if c.Health.WindowSize <= 0 {
		return fmt.Errorf("health.window_size must be greater than zero")
	}
	if c.Health.DegradedThreshold <= 0 || c.Health.DegradedThreshold >= c.Health.ActiveThreshold || c.Health.ActiveThreshold > 1 {
		return fmt.Errorf("health thresholds must satisfy 0 < degraded_threshold < active_threshold <= 1")
	}
	if c.Health.MaxCooldown < c.Health.BaseCooldown {
		return fmt.Errorf("health.max_cooldown cannot be shorter than health.base_cooldown")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be greater than zero")
	}
	if c.Cache.MaxAgeHours < c.Cache.TTLHours {
		return fmt.Errorf("cache.max_age_hours cannot be shorter than cache.ttl_hours")
	}
	if c.Fallback.QualityThreshold < 0 || c.Fallback.QualityThreshold > 1 {
		return fmt.Errorf("fallback.quality_threshold must be within [0,1]")
	}
	switch c.Fallback.Mode {
	case ModeAvailability, ModeStrict:
	default:
		return fmt.Errorf("fallback.mode must be %q or %q, got %q", ModeAvailability, ModeStrict, c.Fallback.Mode)
	}
	if c.Fallback.DefaultDays <= 0 {
		return fmt.Errorf("fallback.default_days must be greater than zero")
	}
	if c.Normalize.MaxPrice > 0 && c.Normalize.MinPrice >= c.Normalize.MaxPrice {
		return fmt.Errorf("normalize.min_price must be below normalize.max_price")
	}
	if c.Recovery.BurstThreshold <= 0 {
		return fmt.Errorf("recovery.burst_threshold must be greater than zero")
	}
	if c.Recovery.BurstWindow <= 0 {
		return fmt.Errorf("recovery.burst_window must be greater than zero")
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be greater than zero")
	}
	switch c.Database.ResolvedDriver() {
	case "", DriverPostgres:
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.ResolvedDriver() == DriverPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (c *Config) validateProviders() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("providers must list at least one provider")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Class == "" {
			return fmt.Errorf("providers[%d] (%s): class is required", i, p.Name)
		}
		if p.Priority < 0 {
			return fmt.Errorf("providers[%d] (%s): priority cannot be negative", i, p.Name)
		}
		if p.RetryAttempts < 0 {
			return fmt.Errorf("providers[%d] (%s): retry_attempts cannot be negative", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("providers[%d] (%s): timeout cannot be negative", i, p.Name)
		}
		if p.RateLimit < 0 {
			return fmt.Errorf("providers[%d] (%s): rate_limit cannot be negative", i, p.Name)
		}
		if p.MaxBodyBytes < 0 {
			return fmt.Errorf("providers[%d] (%s): max_body_bytes cannot be negative", i, p.Name)
		}
		switch strings.ToLower(p.QualityTier) {
		case "", string(provider.TierHigh), string(provider.TierMedium), string(provider.TierLow):
		default:
			return fmt.Errorf("providers[%d] (%s): unknown quality_tier %q", i, p.Name, p.QualityTier)
		}
	}
	return nil
}

// Descriptors returns the configured providers in list order.
func (c *Config) Descriptors() []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.Descriptor())
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
