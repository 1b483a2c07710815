package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tickerwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Symbols  []string       `mapstructure:"symbols"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StreamConfig governs the market-data subscription.
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	HandshakeRetries  int           `mapstructure:"handshake_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffResetAfter time.Duration `mapstructure:"backoff_reset_after"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	Buffer            int           `mapstructure:"buffer"`
}

// TrackerConfig tunes the per-symbol rolling windows.
type TrackerConfig struct {
	Timeframe      time.Duration `mapstructure:"timeframe"`
	Retention      time.Duration `mapstructure:"retention"`
	FullResolution time.Duration `mapstructure:"full_resolution"`
	DecimationStep time.Duration `mapstructure:"decimation_step"`
	EvictInterval  time.Duration `mapstructure:"evict_interval"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Interval     time.Duration  `mapstructure:"interval"`
	DigestTime   string         `mapstructure:"digest_time"`
	Timezone     string         `mapstructure:"timezone"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	Email        EmailConfig    `mapstructure:"email"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// EmailConfig describes the SMTP alert channel.
type EmailConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	From           string   `mapstructure:"from"`
	Recipients     []string `mapstructure:"recipients"`
	PasswordSecret string   `mapstructure:"password_secret"`
}

// BackfillConfig governs the optional REST seeding of extrema.
type BackfillConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	KlineInterval  string        `mapstructure:"kline_interval"`
	Limit          int           `mapstructure:"limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EngineConfig sizes the evaluation pool.
type EngineConfig struct {
	Workers     int `mapstructure:"workers"`
	AlertBuffer int `mapstructure:"alert_buffer"`
}

// MetricsConfig exposes the optional prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AuditRetention bounds how long alert audit rows are kept. Zero
	// disables pruning.
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKERWATCH")
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
	v.SetDefault("app.name", "tickerwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("stream.url", "wss://fstream.binance.com/ws/!markPrice@arr")
	v.SetDefault("stream.handshake_retries", 3)
	v.SetDefault("stream.backoff_base", "1s")
	v.SetDefault("stream.backoff_max", "60s")
	v.SetDefault("stream.backoff_reset_after", "60s")
	v.SetDefault("stream.read_timeout", "10m")
	v.SetDefault("stream.buffer", 1024)

	v.SetDefault("tracker.timeframe", "1h")
	v.SetDefault("tracker.retention", "2160h")
	v.SetDefault("tracker.full_resolution", "24h")
	v.SetDefault("tracker.decimation_step", "1h")
	v.SetDefault("tracker.evict_interval", "10m")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.threshold_pct", 5.0)
	v.SetDefault("alerting.interval", "1h")
	v.SetDefault("alerting.digest_time", "20:00")
	v.SetDefault("alerting.timezone", "UTC")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.password_secret", "TICKERWATCH_EMAIL_PASSWORD")

	v.SetDefault("backfill.enabled", false)
	v.SetDefault("backfill.base_url", "https://fapi.binance.com")
	v.SetDefault("backfill.kline_interval", "1d")
	v.SetDefault("backfill.limit", 1000)
	v.SetDefault("backfill.request_timeout", "10s")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.alert_buffer", 256)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.audit_retention", "2160h")
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
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.Stream.BackoffBase <= 0 {
		return fmt.Errorf("stream.backoff_base must be greater than zero")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream.backoff_max must not be below stream.backoff_base")
	}
	if c.Tracker.Timeframe <= 0 {
		return fmt.Errorf("tracker.timeframe must be greater than zero")
	}
	if c.Tracker.FullResolution > c.Tracker.Retention {
		return fmt.Errorf("tracker.full_resolution must not exceed tracker.retention")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Interval <= 0 {
		return fmt.Errorf("alerting.interval must be greater than zero")
	}
	if _, err := time.Parse("15:04", c.Alerting.DigestTime); err != nil {
		return fmt.Errorf("alerting.digest_time must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(c.Alerting.Timezone); err != nil {
		return fmt.Errorf("alerting.timezone invalid: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required when email is enabled")
		}
		if len(c.Alerting.Email.Recipients) == 0 {
			return fmt.Errorf("alerting.email.recipients is required when email is enabled")
		}
	}
	if c.Backfill.Enabled && c.Backfill.Limit <= 0 {
		return fmt.Errorf("backfill.limit must be greater than zero")
	}
	return nil
}

// Location resolves the digest timezone; Validate has already
// guaranteed it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Alerting.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
