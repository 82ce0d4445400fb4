package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"dividend-screener/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// QuotaConfig bounds calls against the exchange's rate budget.
type QuotaConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// FetchConfig covers access to the exchange open APIs.
type FetchConfig struct {
	TWSEBaseURL    string        `mapstructure:"twse_base_url"`
	TPEXBaseURL    string        `mapstructure:"tpex_base_url"`
	MOPSBaseURL    string        `mapstructure:"mops_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Parallelism    int           `mapstructure:"parallelism"`
}

// UniverseConfig filters the aggregation universe.
type UniverseConfig struct {
	MinPrice float64  `mapstructure:"min_price"`
	Markets  []string `mapstructure:"markets"`
}

// PlannerConfig governs the incremental fetch plan.
type PlannerConfig struct {
	YearsBack   int           `mapstructure:"years_back"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PriceMaxAge time.Duration `mapstructure:"price_max_age"`
}

// MetricsConfig tunes metrics aggregation.
type MetricsConfig struct {
	WindowYears int `mapstructure:"window_years"`
}

// SchedulerConfig drives the daemon run cadence and the single-run lock.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TWSCREENER")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "twscreener")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("quota.limit", 600)
	v.SetDefault("quota.window", "1h")

	v.SetDefault("fetch.twse_base_url", "https://openapi.twse.com.tw/v1")
	v.SetDefault("fetch.tpex_base_url", "https://www.tpex.org.tw/openapi/v1")
	v.SetDefault("fetch.mops_base_url", "https://mopsov.twse.com.tw")
	v.SetDefault("fetch.request_timeout", "10s")
	v.SetDefault("fetch.user_agent", "twscreener/1.0")
	v.SetDefault("fetch.parallelism", 4)

	v.SetDefault("universe.min_price", 10.0)
	v.SetDefault("universe.markets", []string{"sii", "otc"})

	v.SetDefault("planner.years_back", 10)
	v.SetDefault("planner.batch_size", 100)
	v.SetDefault("planner.max_retries", 3)
	v.SetDefault("planner.price_max_age", "24h")

	v.SetDefault("metrics.window_years", 10)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74777363))

	v.SetDefault("export.max_rows", 20000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Quota.Limit <= 0 {
		return fmt.Errorf("quota.limit must be greater than zero")
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("quota.window must be greater than zero")
	}
	if c.Fetch.Parallelism <= 0 {
		return fmt.Errorf("fetch.parallelism must be greater than zero")
	}
	if c.Universe.MinPrice < 0 {
		return fmt.Errorf("universe.min_price cannot be negative")
	}
	if c.Planner.YearsBack <= 0 {
		return fmt.Errorf("planner.years_back must be greater than zero")
	}
	if c.Planner.BatchSize <= 0 {
		return fmt.Errorf("planner.batch_size must be greater than zero")
	}
	if c.Planner.MaxRetries < 0 {
		return fmt.Errorf("planner.max_retries cannot be negative")
	}
	if c.Metrics.WindowYears <= 0 {
		return fmt.Errorf("metrics.window_years must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	return nil
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
