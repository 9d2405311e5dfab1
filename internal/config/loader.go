package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/marginbot/internal/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARGINBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARGINBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDecimal(&cfg.Engine.MaxLeverage, "MARGINBOT_ENGINE_MAX_LEVERAGE")
	setDecimal(&cfg.Engine.Slippage, "MARGINBOT_ENGINE_SLIPPAGE")
	setDecimal(&cfg.Engine.ProtocolFee, "MARGINBOT_ENGINE_PROTOCOL_FEE")
	setDecimal(&cfg.Engine.SwapFee, "MARGINBOT_ENGINE_SWAP_FEE")
	setDecimal(&cfg.Engine.PriceImpact, "MARGINBOT_ENGINE_PRICE_IMPACT")
	setDecimal(&cfg.Engine.LiquidationThreshold, "MARGINBOT_ENGINE_LIQUIDATION_THRESHOLD")
	setDecimal(&cfg.Engine.LiquidationIncentive, "MARGINBOT_ENGINE_LIQUIDATION_INCENTIVE")
	setBool(&cfg.Engine.CompensateBorrow, "MARGINBOT_ENGINE_COMPENSATE_BORROW")
	setStr(&cfg.Engine.RewardToken, "MARGINBOT_ENGINE_REWARD_TOKEN")
	setStr(&cfg.Engine.RewardPerCall, "MARGINBOT_ENGINE_REWARD_PER_CALL")
	setStr(&cfg.Engine.TreasuryAccount, "MARGINBOT_ENGINE_TREASURY_ACCOUNT")
	setInt(&cfg.Engine.TradeFeeBps, "MARGINBOT_ENGINE_TRADE_FEE_BPS")
	setInt(&cfg.Engine.ReferralFeeBps, "MARGINBOT_ENGINE_REFERRAL_FEE_BPS")
	setDuration(&cfg.Engine.CallTimeout, "MARGINBOT_ENGINE_CALL_TIMEOUT")
	setDuration(&cfg.Engine.InFlightTTL, "MARGINBOT_ENGINE_INFLIGHT_TTL")
	setDuration(&cfg.Engine.LockTTL, "MARGINBOT_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.SweepInterval, "MARGINBOT_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.BlockInterval, "MARGINBOT_ENGINE_BLOCK_INTERVAL")
	setTime(&cfg.Engine.BlockGenesis, "MARGINBOT_ENGINE_BLOCK_GENESIS")
	setDuration(&cfg.Engine.MarketRefreshInterval, "MARGINBOT_ENGINE_MARKET_REFRESH_INTERVAL")
	setInt(&cfg.Engine.OrderRateLimit, "MARGINBOT_ENGINE_ORDER_RATE_LIMIT")
	setDuration(&cfg.Engine.OrderRateWindow, "MARGINBOT_ENGINE_ORDER_RATE_WINDOW")

	// ── AMM ──
	setStr(&cfg.AMM.BaseURL, "MARGINBOT_AMM_BASE_URL")
	setStr(&cfg.AMM.Account, "MARGINBOT_AMM_ACCOUNT")
	setInt(&cfg.AMM.RequestsPerSecond, "MARGINBOT_AMM_REQUESTS_PER_SECOND")
	setDuration(&cfg.AMM.HTTPTimeout, "MARGINBOT_AMM_HTTP_TIMEOUT")

	// ── Lending ──
	setStr(&cfg.Lending.BaseURL, "MARGINBOT_LENDING_BASE_URL")
	setStr(&cfg.Lending.APIKey, "MARGINBOT_LENDING_API_KEY")
	setStr(&cfg.Lending.APISecret, "MARGINBOT_LENDING_API_SECRET")
	setDuration(&cfg.Lending.HTTPTimeout, "MARGINBOT_LENDING_HTTP_TIMEOUT")

	// ── Account ──
	setStr(&cfg.Account.PrivateKey, "MARGINBOT_ACCOUNT_PRIVATE_KEY")
	setStr(&cfg.Account.EncryptedKeyPath, "MARGINBOT_ACCOUNT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Account.KeyPassword, "MARGINBOT_ACCOUNT_KEY_PASSWORD")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MARGINBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARGINBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARGINBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARGINBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARGINBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARGINBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARGINBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARGINBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARGINBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARGINBOT_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MARGINBOT_POSTGRES_MAX_CONN_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "MARGINBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARGINBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARGINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGINBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARGINBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARGINBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARGINBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARGINBOT_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "MARGINBOT_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.MarketCacheTTL, "MARGINBOT_REDIS_MARKET_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARGINBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARGINBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARGINBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARGINBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARGINBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARGINBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARGINBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARGINBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MARGINBOT_S3_PREFIX")
	setDuration(&cfg.S3.ArchiveInterval, "MARGINBOT_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.Retention, "MARGINBOT_S3_RETENTION")
	setInt64(&cfg.S3.PartSize, "MARGINBOT_S3_PART_SIZE")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARGINBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARGINBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARGINBOT_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "MARGINBOT_SERVER_ADMIN_KEY")
	setInt(&cfg.Server.RateLimit, "MARGINBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARGINBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPIBase, "MARGINBOT_NOTIFY_TELEGRAM_API_BASE")
	setStr(&cfg.Notify.TelegramToken, "MARGINBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARGINBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARGINBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARGINBOT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "MARGINBOT_NOTIFY_COOLDOWN")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "MARGINBOT_METRICS_ENABLED")
	setStr(&cfg.Metrics.Namespace, "MARGINBOT_METRICS_NAMESPACE")
	setInt(&cfg.Metrics.Port, "MARGINBOT_METRICS_PORT")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARGINBOT_MODE")
	setStr(&cfg.LogLevel, "MARGINBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setTime(dst *time.Time, key string) {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			*dst = t
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.FromString(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
