package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXITBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "EXITBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "EXITBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "EXITBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.Passphrase, "EXITBOT_EXCHANGE_PASSPHRASE")
	setStr(&cfg.Exchange.SecretFile, "EXITBOT_EXCHANGE_SECRET_FILE")
	setStr(&cfg.Exchange.SecretPassword, "EXITBOT_EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.QuoteCurrency, "EXITBOT_EXCHANGE_QUOTE_CURRENCY")
	setBool(&cfg.Exchange.Simulated, "EXITBOT_EXCHANGE_SIMULATED")
	setDuration(&cfg.Exchange.Timeout, "EXITBOT_EXCHANGE_TIMEOUT")

	// ── Sources ──
	setBool(&cfg.Sources.Binance.Enabled, "EXITBOT_SOURCES_BINANCE_ENABLED")
	setStr(&cfg.Sources.Binance.BaseURL, "EXITBOT_SOURCES_BINANCE_BASE_URL")
	setBool(&cfg.Sources.Coinbase.Enabled, "EXITBOT_SOURCES_COINBASE_ENABLED")
	setStr(&cfg.Sources.Coinbase.BaseURL, "EXITBOT_SOURCES_COINBASE_BASE_URL")
	setBool(&cfg.Sources.DexScreener.Enabled, "EXITBOT_SOURCES_DEXSCREENER_ENABLED")
	setStr(&cfg.Sources.DexScreener.BaseURL, "EXITBOT_SOURCES_DEXSCREENER_BASE_URL")
	setBool(&cfg.Sources.BinanceWS.Enabled, "EXITBOT_SOURCES_BINANCE_WS_ENABLED")
	setStr(&cfg.Sources.BinanceWS.URL, "EXITBOT_SOURCES_BINANCE_WS_URL")
	setDuration(&cfg.Sources.BinanceWS.MaxAge, "EXITBOT_SOURCES_BINANCE_WS_MAX_AGE")
	setBool(&cfg.Sources.Exchange, "EXITBOT_SOURCES_EXCHANGE_TICKER")
	setBool(&cfg.Sources.Redis, "EXITBOT_SOURCES_REDIS_SHARED")

	// ── Oracle / analyzer / monitor ──
	setDuration(&cfg.Oracle.CacheTTL, "EXITBOT_ORACLE_CACHE_TTL")
	setDuration(&cfg.Oracle.SourceTimeout, "EXITBOT_ORACLE_SOURCE_TIMEOUT")
	setInt(&cfg.Analyzer.WindowSize, "EXITBOT_ANALYZER_WINDOW_SIZE")
	setInt(&cfg.Analyzer.RSIPeriod, "EXITBOT_ANALYZER_RSI_PERIOD")
	setDuration(&cfg.Monitor.Interval, "EXITBOT_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.PositionTimeout, "EXITBOT_MONITOR_POSITION_TIMEOUT")
	setStr(&cfg.Monitor.TrailingStyle, "EXITBOT_MONITOR_TRAILING_STYLE")

	// ── Exit thresholds ──
	setFloat64(&cfg.Exit.TakeProfitPct, "EXITBOT_EXIT_TAKE_PROFIT_PCT")
	setDuration(&cfg.Exit.TimeDecayAfter, "EXITBOT_EXIT_TIME_DECAY_AFTER")
	setFloat64(&cfg.Exit.TimeDecayMaxPct, "EXITBOT_EXIT_TIME_DECAY_MAX_PCT")
	setFloat64(&cfg.Exit.RSIOverbought, "EXITBOT_EXIT_RSI_OVERBOUGHT")
	setFloat64(&cfg.Exit.MomentumThreshold, "EXITBOT_EXIT_MOMENTUM_THRESHOLD")

	// ── Paper ──
	setFloat64(&cfg.Paper.SlippagePct, "EXITBOT_PAPER_SLIPPAGE_PCT")
	setFloat64(&cfg.Paper.FeeRate, "EXITBOT_PAPER_FEE_RATE")

	// ── Store ──
	setStr(&cfg.Store.Backend, "EXITBOT_STORE_BACKEND")
	setStr(&cfg.Store.DataDir, "EXITBOT_STORE_DATA_DIR")
	setStr(&cfg.Store.AuditBackend, "EXITBOT_STORE_AUDIT_BACKEND")
	setStr(&cfg.Store.AuditCSVPath, "EXITBOT_STORE_AUDIT_CSV_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXITBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "EXITBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXITBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXITBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceMaxAge, "EXITBOT_REDIS_PRICE_MAX_AGE")
	setBool(&cfg.Redis.LeaderLock, "EXITBOT_REDIS_LEADER_LOCK")
	setDuration(&cfg.Redis.LockTTL, "EXITBOT_REDIS_LOCK_TTL")

	// ── S3 / archive ──
	setStr(&cfg.S3.Endpoint, "EXITBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITBOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "EXITBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "EXITBOT_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "EXITBOT_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXITBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXITBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "EXITBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "EXITBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITBOT_MODE")
	setStr(&cfg.LogLevel, "EXITBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
