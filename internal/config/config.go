package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"metal-oracle-watcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RedisConfig covers the state store connection.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// DatabaseConfig encapsulates the optional PostgreSQL snapshot archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs tick cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers oracle contract access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FeedsConfig parameterises the price source chain.
type FeedsConfig struct {
	GoldAPI   GoldAPIConfig   `mapstructure:"goldapi"`
	MetalsDev MetalsDevConfig `mapstructure:"metalsdev"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	CacheTTL  time.Duration   `mapstructure:"cache_ttl"`
}

// GoldAPIConfig covers the keyed primary feed.
type GoldAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestDelay   time.Duration `mapstructure:"request_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MetalsDevConfig covers the free secondary feed.
type MetalsDevConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FallbackConfig holds the constant price table used when every live source
// is down, also backfilling partial secondary responses.
type FallbackConfig struct {
	Gold      float64 `mapstructure:"gold"`
	Silver    float64 `mapstructure:"silver"`
	Platinum  float64 `mapstructure:"platinum"`
	Palladium float64 `mapstructure:"palladium"`
	Aux       float64 `mapstructure:"aux"`
}

// WatcherConfig defines the tick pipeline thresholds.
type WatcherConfig struct {
	DeviationThresholdPct float64       `mapstructure:"deviation_threshold_pct"`
	AnomalyThresholdPct   float64       `mapstructure:"anomaly_threshold_pct"`
	StalenessThreshold    time.Duration `mapstructure:"staleness_threshold"`
	ErrorAlertThreshold   int           `mapstructure:"error_alert_threshold"`
	AutoPauseThreshold    int           `mapstructure:"auto_pause_threshold"`
	UpdateRetryAttempts   int           `mapstructure:"update_retry_attempts"`
	UpdateRetryBaseDelay  time.Duration `mapstructure:"update_retry_base_delay"`
	UpdateRetryMaxDelay   time.Duration `mapstructure:"update_retry_max_delay"`
	HistoryLimit          int64         `mapstructure:"history_limit"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig covers the admin HTTP surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AuthToken       string        `mapstructure:"auth_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METALWATCHER")
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
	v.SetDefault("app.name", "metalwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "metalwatcher")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.chain_id", int64(1))
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("feeds.goldapi.base_url", "https://www.goldapi.io")
	v.SetDefault("feeds.goldapi.request_delay", "1s")
	v.SetDefault("feeds.goldapi.request_timeout", "10s")
	v.SetDefault("feeds.metalsdev.base_url", "https://api.metals.dev/v1")
	v.SetDefault("feeds.metalsdev.request_timeout", "10s")
	v.SetDefault("feeds.fallback.gold", 2400.0)
	v.SetDefault("feeds.fallback.silver", 28.0)
	v.SetDefault("feeds.fallback.platinum", 950.0)
	v.SetDefault("feeds.fallback.palladium", 900.0)
	v.SetDefault("feeds.fallback.aux", 2400.0)
	v.SetDefault("feeds.cache_ttl", "60s")

	v.SetDefault("watcher.deviation_threshold_pct", 0.5)
	v.SetDefault("watcher.anomaly_threshold_pct", 5.0)
	v.SetDefault("watcher.staleness_threshold", "1h")
	v.SetDefault("watcher.error_alert_threshold", 3)
	v.SetDefault("watcher.auto_pause_threshold", 5)
	v.SetDefault("watcher.update_retry_attempts", 3)
	v.SetDefault("watcher.update_retry_base_delay", "2s")
	v.SetDefault("watcher.update_retry_max_delay", "15s")
	v.SetDefault("watcher.history_limit", int64(1000))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "300s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Watcher.DeviationThresholdPct < 0 {
		return fmt.Errorf("watcher.deviation_threshold_pct cannot be negative")
	}
	if c.Watcher.AnomalyThresholdPct < 0 {
		return fmt.Errorf("watcher.anomaly_threshold_pct cannot be negative")
	}
	if c.Watcher.AutoPauseThreshold < c.Watcher.ErrorAlertThreshold {
		return fmt.Errorf("watcher.auto_pause_threshold must not be below watcher.error_alert_threshold")
	}
	if c.Watcher.UpdateRetryAttempts <= 0 {
		return fmt.Errorf("watcher.update_retry_attempts must be greater than zero")
	}
	if c.Watcher.HistoryLimit <= 0 {
		return fmt.Errorf("watcher.history_limit must be greater than zero")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
