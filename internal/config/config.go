// Package config defines the top-level configuration for the margin trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marginbot/internal/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARGINBOT_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	AMM      AMMConfig      `toml:"amm"`
	Lending  LendingConfig  `toml:"lending"`
	Account  AccountConfig  `toml:"account"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the risk parameters and saga executor tuning.
// Fractions are decimal strings, e.g. slippage = "0.01".
type EngineConfig struct {
	MaxLeverage          decimal.Decimal `toml:"max_leverage"`
	Slippage             decimal.Decimal `toml:"slippage"`
	ProtocolFee          decimal.Decimal `toml:"protocol_fee"`
	SwapFee              decimal.Decimal `toml:"swap_fee"`
	PriceImpact          decimal.Decimal `toml:"price_impact"`
	LiquidationThreshold decimal.Decimal `toml:"liquidation_threshold"`
	LiquidationIncentive decimal.Decimal `toml:"liquidation_incentive"`
	CompensateBorrow     bool            `toml:"compensate_borrow"`

	RewardToken     string `toml:"reward_token"`
	RewardPerCall   string `toml:"reward_per_call"` // integer token units
	TreasuryAccount string `toml:"treasury_account"`
	TradeFeeBps     int    `toml:"trade_fee_bps"`
	ReferralFeeBps  int    `toml:"referral_fee_bps"`

	CallTimeout           duration  `toml:"call_timeout"`
	InFlightTTL           duration  `toml:"inflight_ttl"`
	LockTTL               duration  `toml:"lock_ttl"`
	SweepInterval         duration  `toml:"sweep_interval"`
	BlockInterval         duration  `toml:"block_interval"`
	BlockGenesis          time.Time `toml:"block_genesis"`
	MarketRefreshInterval duration  `toml:"market_refresh_interval"`
	OrderRateLimit        int       `toml:"order_rate_limit"`
	OrderRateWindow       duration  `toml:"order_rate_window"`
}

// AMMConfig holds the AMM HTTP endpoint and the engine's account there.
type AMMConfig struct {
	BaseURL           string   `toml:"base_url"`
	Account           string   `toml:"account"`
	RequestsPerSecond int      `toml:"requests_per_second"`
	HTTPTimeout       duration `toml:"http_timeout"`
}

// LendingConfig holds the lending market endpoint and API credentials.
type LendingConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	HTTPTimeout duration `toml:"http_timeout"`
}

// AccountConfig holds the engine account signing key.
type AccountConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// engine keeps its state in memory.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	StreamMaxLen   int64    `toml:"stream_max_len"`
	MarketCacheTTL duration `toml:"market_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
	Retention       duration `toml:"retention"`
	PartSize        int64    `toml:"part_size"`
}

// duration wraps time.Duration so it can be decoded from a TOML string such
// as "30s" or "5m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. An empty admin_key closes the
// admin routes.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	AdminKey    string   `toml:"admin_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPIBase   string   `toml:"telegram_api_base"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// MetricsConfig controls the prometheus registry. Port serves /metrics and
// /api/health in engine mode, where the API server does not run.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
	Port      int    `toml:"port"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxLeverage:           decimal.MustFromString("5"),
			Slippage:              decimal.MustFromString("0.01"),
			ProtocolFee:           decimal.MustFromString("0.001"),
			SwapFee:               decimal.MustFromString("0.003"),
			PriceImpact:           decimal.MustFromString("0.005"),
			LiquidationThreshold:  decimal.MustFromString("0.8"),
			LiquidationIncentive:  decimal.MustFromString("0.05"),
			RewardPerCall:         "0",
			TreasuryAccount:       "treasury",
			TradeFeeBps:           30,
			ReferralFeeBps:        5,
			CallTimeout:           duration{30 * time.Second},
			InFlightTTL:           duration{10 * time.Minute},
			LockTTL:               duration{10 * time.Minute},
			SweepInterval:         duration{30 * time.Second},
			BlockInterval:         duration{time.Second},
			BlockGenesis:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			MarketRefreshInterval: duration{time.Minute},
			OrderRateLimit:        10,
			OrderRateWindow:       duration{time.Minute},
		},
		AMM: AMMConfig{
			BaseURL:           "http://localhost:8081",
			Account:           "marginbot",
			RequestsPerSecond: 10,
			HTTPTimeout:       duration{15 * time.Second},
		},
		Lending: LendingConfig{
			BaseURL:     "http://localhost:8082",
			HTTPTimeout: duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "marginbot",
			User:            "marginbot",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    1,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			KeyPrefix:      "marginbot:",
			StreamMaxLen:   10000,
			MarketCacheTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Region:          "us-east-1",
			Bucket:          "marginbot-archive",
			ForcePathStyle:  true,
			Prefix:          "archive/",
			ArchiveInterval: duration{time.Hour},
			Retention:       duration{30 * 24 * time.Hour},
			PartSize:        5 << 20,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			TelegramAPIBase: "https://api.telegram.org",
			Events:          []string{"reconcile_required"},
			Cooldown:        duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "marginbot",
			Port:      9100,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RewardAmount parses RewardPerCall.
func (e EngineConfig) RewardAmount() (*uint256.Int, error) {
	if strings.TrimSpace(e.RewardPerCall) == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(e.RewardPerCall)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	errs = append(errs, c.Engine.validate()...)

	// External venues
	if _, err := url.ParseRequestURI(c.AMM.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("amm: base_url %q is not a valid URL", c.AMM.BaseURL))
	}
	if c.AMM.Account == "" {
		errs = append(errs, "amm: account must not be empty")
	}
	if _, err := url.ParseRequestURI(c.Lending.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("lending: base_url %q is not a valid URL", c.Lending.BaseURL))
	}
	if (c.Lending.APIKey == "") != (c.Lending.APISecret == "") {
		errs = append(errs, "lending: api_key and api_secret must be set together")
	}

	// Account
	if c.Account.EncryptedKeyPath != "" && c.Account.KeyPassword == "" {
		errs = append(errs, "account: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
		if c.S3.PartSize != 0 && c.S3.PartSize < 5<<20 {
			errs = append(errs, "s3: part_size must be at least 5MiB")
		}
	}

	// Server
	if mode != "engine" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Metrics
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Sprintf("metrics: port must be 0-65535, got %d", c.Metrics.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (e EngineConfig) validate() []string {
	var errs []string
	one := decimal.One()

	if e.MaxLeverage.LessThan(one) {
		errs = append(errs, "engine: max_leverage must be >= 1")
	}
	fractions := []struct {
		name string
		v    decimal.Decimal
	}{
		{"slippage", e.Slippage},
		{"protocol_fee", e.ProtocolFee},
		{"swap_fee", e.SwapFee},
		{"price_impact", e.PriceImpact},
		{"liquidation_incentive", e.LiquidationIncentive},
	}
	for _, f := range fractions {
		if !f.v.LessThan(one) {
			errs = append(errs, fmt.Sprintf("engine: %s must be < 1", f.name))
		}
	}
	if e.LiquidationThreshold.IsZero() || e.LiquidationThreshold.GreaterThan(one) {
		errs = append(errs, "engine: liquidation_threshold must be in (0, 1]")
	}

	reward, err := e.RewardAmount()
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("engine: reward_per_call %q is not an integer amount", e.RewardPerCall))
	case !reward.IsZero() && (e.RewardToken == "" || e.TreasuryAccount == ""):
		errs = append(errs, "engine: reward_token and treasury_account are required when reward_per_call > 0")
	}

	if e.TradeFeeBps < 0 || e.TradeFeeBps > 10000 {
		errs = append(errs, fmt.Sprintf("engine: trade_fee_bps must be 0-10000, got %d", e.TradeFeeBps))
	}
	if e.ReferralFeeBps < 0 || e.ReferralFeeBps > e.TradeFeeBps {
		errs = append(errs, "engine: referral_fee_bps must be between 0 and trade_fee_bps")
	}
	if e.BlockInterval.Duration <= 0 {
		errs = append(errs, "engine: block_interval must be > 0")
	}
	if e.OrderRateLimit < 0 {
		errs = append(errs, "engine: order_rate_limit must be >= 0")
	}
	return errs
}
