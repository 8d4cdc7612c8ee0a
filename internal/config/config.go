// Package config defines the top-level configuration for the exit bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITBOT_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Sources  SourcesConfig  `toml:"sources"`
	Oracle   OracleConfig   `toml:"oracle"`
	Analyzer AnalyzerConfig `toml:"analyzer"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Trailing TrailingConfig `toml:"trailing"`
	Exit     ExitConfig     `toml:"exit"`
	Position PositionConfig `toml:"position"`
	Paper    PaperConfig    `toml:"paper"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds the spot exchange REST endpoint and API credentials.
// The secret may be given directly or as a passphrase-encrypted file.
type ExchangeConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	Passphrase     string   `toml:"passphrase"`
	SecretFile     string   `toml:"secret_file"`
	SecretPassword string   `toml:"secret_password"`
	QuoteCurrency  string   `toml:"quote_currency"`
	Simulated      bool     `toml:"simulated"`
	Timeout        duration `toml:"timeout"`
}

// SourcesConfig enables the individual price sources consulted by the oracle.
type SourcesConfig struct {
	Binance     RESTSourceConfig `toml:"binance"`
	Coinbase    RESTSourceConfig `toml:"coinbase"`
	DexScreener RESTSourceConfig `toml:"dexscreener"`
	BinanceWS   StreamConfig     `toml:"binance_ws"`
	Exchange    bool             `toml:"exchange_ticker"`
	Redis       bool             `toml:"redis_shared"`
}

// RESTSourceConfig configures a polled HTTP price source. Symbols maps an
// asset key to the source's own instrument name; unmapped assets fall back to
// the source's default naming.
type RESTSourceConfig struct {
	Enabled bool              `toml:"enabled"`
	BaseURL string            `toml:"base_url"`
	Symbols map[string]string `toml:"symbols"`
}

// StreamConfig configures a push (websocket) price source.
type StreamConfig struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	MaxAge  duration          `toml:"max_age"`
	Symbols map[string]string `toml:"symbols"`
}

// OracleConfig tunes price aggregation.
type OracleConfig struct {
	CacheTTL      duration `toml:"cache_ttl"`
	SourceTimeout duration `toml:"source_timeout"`
}

// AnalyzerConfig tunes the per-asset indicator history.
type AnalyzerConfig struct {
	WindowSize int `toml:"window_size"`
	RSIPeriod  int `toml:"rsi_period"`
}

// MonitorConfig controls the exit manager cycle.
type MonitorConfig struct {
	Interval        duration `toml:"interval"`
	PositionTimeout duration `toml:"position_timeout"`
	TrailingStyle   string   `toml:"trailing_style"`
}

// TrailingConfig holds the trailing distance per style as a fraction of the
// maximum price seen.
type TrailingConfig struct {
	Conservative float64 `toml:"conservative"`
	Moderate     float64 `toml:"moderate"`
	Aggressive   float64 `toml:"aggressive"`
}

// ExitConfig holds the thresholds of the exit rule cascade.
type ExitConfig struct {
	TakeProfitPct       float64  `toml:"take_profit_pct"`
	TimeDecayAfter      duration `toml:"time_decay_after"`
	TimeDecayMaxPct     float64  `toml:"time_decay_max_pct"`
	VolumeSpikeMinPct   float64  `toml:"volume_spike_min_pct"`
	VolumeSpikeFraction float64  `toml:"volume_spike_fraction"`
	RSIOverbought       float64  `toml:"rsi_overbought"`
	RSIMinPct           float64  `toml:"rsi_min_pct"`
	RSIFraction         float64  `toml:"rsi_fraction"`
	MomentumThreshold   float64  `toml:"momentum_threshold"`
	MomentumMinPct      float64  `toml:"momentum_min_pct"`
	MomentumFraction    float64  `toml:"momentum_fraction"`
}

// PositionConfig holds the defaults applied to opened positions when the
// request omits them, as ratios of the entry price.
type PositionConfig struct {
	StopLossRatio     float64   `toml:"stop_loss_ratio"`
	TakeProfitRatios  []float64 `toml:"take_profit_ratios"`
	TrailingStopRatio float64   `toml:"trailing_stop_ratio"`
	ConfidenceScore   float64   `toml:"confidence_score"`
}

// PaperConfig configures the simulated executor used in paper mode.
type PaperConfig struct {
	SlippagePct float64 `toml:"slippage_pct"`
	FeeRate     float64 `toml:"fee_rate"`
}

// StoreConfig selects the position store and the exit audit log backends.
type StoreConfig struct {
	Backend      string `toml:"backend"`
	DataDir      string `toml:"data_dir"`
	AuditBackend string `toml:"audit_backend"`
	AuditCSVPath string `toml:"audit_csv_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	PriceMaxAge duration `toml:"price_max_age"`
	LeaderLock  bool     `toml:"leader_lock"`
	LockTTL     duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the periodic upload of closed positions and exit
// executions to object storage.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:       "https://www.okx.com",
			QuoteCurrency: "USDT",
			Timeout:       duration{10 * time.Second},
		},
		Sources: SourcesConfig{
			Binance: RESTSourceConfig{
				Enabled: true,
				BaseURL: "https://api.binance.com",
				Symbols: map[string]string{},
			},
			Coinbase: RESTSourceConfig{
				Enabled: true,
				BaseURL: "https://api.coinbase.com",
				Symbols: map[string]string{},
			},
			DexScreener: RESTSourceConfig{
				Enabled: false,
				BaseURL: "https://api.dexscreener.com",
				Symbols: map[string]string{},
			},
			BinanceWS: StreamConfig{
				Enabled: false,
				URL:     "wss://stream.binance.com:9443/ws",
				MaxAge:  duration{15 * time.Second},
				Symbols: map[string]string{},
			},
			Exchange: true,
		},
		Oracle: OracleConfig{
			CacheTTL:      duration{5 * time.Second},
			SourceTimeout: duration{3 * time.Second},
		},
		Analyzer: AnalyzerConfig{
			WindowSize: 200,
			RSIPeriod:  14,
		},
		Monitor: MonitorConfig{
			Interval:        duration{2 * time.Second},
			PositionTimeout: duration{10 * time.Second},
			TrailingStyle:   "moderate",
		},
		Trailing: TrailingConfig{
			Conservative: 0.05,
			Moderate:     0.08,
			Aggressive:   0.12,
		},
		Exit: ExitConfig{
			TakeProfitPct:       50,
			TimeDecayAfter:      duration{24 * time.Hour},
			TimeDecayMaxPct:     5,
			VolumeSpikeMinPct:   20,
			VolumeSpikeFraction: 0.5,
			RSIOverbought:       80,
			RSIMinPct:           15,
			RSIFraction:         0.7,
			MomentumThreshold:   -0.05,
			MomentumMinPct:      10,
			MomentumFraction:    0.3,
		},
		Position: PositionConfig{
			StopLossRatio:     0.9,
			TakeProfitRatios:  []float64{1.1, 1.25, 1.5},
			TrailingStopRatio: 0.95,
			ConfidenceScore:   0.5,
		},
		Paper: PaperConfig{
			SlippagePct: 0.1,
			FeeRate:     0.001,
		},
		Store: StoreConfig{
			Backend:      "file",
			DataDir:      "data",
			AuditBackend: "csv",
			AuditCSVPath: "data/exit_executions.csv",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			PriceMaxAge: duration{30 * time.Second},
			LeaderLock:  true,
			LockTTL:     duration{15 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitbot-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Prefix:   "archive",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "exit_executed", "exit_failed"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// TrailingStyles returns the configured style table keyed by style name.
func (c *Config) TrailingStyles() map[string]float64 {
	return map[string]float64{
		"conservative": c.Trailing.Conservative,
		"moderate":     c.Trailing.Moderate,
		"aggressive":   c.Trailing.Aggressive,
	}
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials are only needed when real orders are sent.
	if strings.EqualFold(c.Mode, "live") {
		// A sealed secret_file may carry the key and passphrase as well.
		if c.Exchange.APIKey == "" && c.Exchange.SecretFile == "" {
			errs = append(errs, "exchange: api_key is required for live mode unless secret_file provides it")
		}
		if c.Exchange.APISecret == "" && c.Exchange.SecretFile == "" {
			errs = append(errs, "exchange: either api_secret or secret_file must be set for live mode")
		}
		if c.Exchange.SecretFile != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when secret_file is set")
		}
	}
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.QuoteCurrency == "" {
		errs = append(errs, "exchange: quote_currency must not be empty")
	}

	s := c.Sources
	if !s.Binance.Enabled && !s.Coinbase.Enabled && !s.DexScreener.Enabled && !s.BinanceWS.Enabled && !s.Exchange && !s.Redis {
		errs = append(errs, "sources: at least one price source must be enabled")
	}
	if s.Redis && !c.Redis.Enabled {
		errs = append(errs, "sources: redis_shared requires redis.enabled")
	}

	if c.Oracle.CacheTTL.Duration < 0 {
		errs = append(errs, "oracle: cache_ttl must be >= 0")
	}
	if c.Oracle.SourceTimeout.Duration <= 0 {
		errs = append(errs, "oracle: source_timeout must be > 0")
	}

	if c.Analyzer.WindowSize < 20 {
		errs = append(errs, "analyzer: window_size must be >= 20")
	}
	if c.Analyzer.RSIPeriod < 1 || c.Analyzer.RSIPeriod >= c.Analyzer.WindowSize {
		errs = append(errs, "analyzer: rsi_period must be in [1, window_size)")
	}

	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.PositionTimeout.Duration <= 0 {
		errs = append(errs, "monitor: position_timeout must be > 0")
	}
	styles := c.TrailingStyles()
	if _, ok := styles[strings.ToLower(c.Monitor.TrailingStyle)]; !ok {
		errs = append(errs, fmt.Sprintf("monitor: unknown trailing_style %q (valid: conservative, moderate, aggressive)", c.Monitor.TrailingStyle))
	}
	for name, d := range styles {
		if d <= 0 || d >= 1 {
			errs = append(errs, fmt.Sprintf("trailing: %s distance must be in (0,1), got %v", name, d))
		}
	}

	for name, f := range map[string]float64{
		"volume_spike_fraction": c.Exit.VolumeSpikeFraction,
		"rsi_fraction":          c.Exit.RSIFraction,
		"momentum_fraction":     c.Exit.MomentumFraction,
	} {
		if f <= 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("exit: %s must be in (0,1], got %v", name, f))
		}
	}
	if c.Exit.TimeDecayAfter.Duration <= 0 {
		errs = append(errs, "exit: time_decay_after must be > 0")
	}

	if c.Position.StopLossRatio <= 0 || c.Position.StopLossRatio >= 1 {
		errs = append(errs, "position: stop_loss_ratio must be in (0,1)")
	}
	if c.Position.TrailingStopRatio <= 0 || c.Position.TrailingStopRatio > 1 {
		errs = append(errs, "position: trailing_stop_ratio must be in (0,1]")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.DataDir == "" {
			errs = append(errs, "store: data_dir must not be empty for the file backend")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: file, postgres)", c.Store.Backend))
	}
	switch c.Store.AuditBackend {
	case "csv":
		if c.Store.AuditCSVPath == "" {
			errs = append(errs, "store: audit_csv_path must not be empty for the csv audit backend")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown audit_backend %q (valid: csv, postgres)", c.Store.AuditBackend))
	}

	if c.Store.Backend == "postgres" || c.Store.AuditBackend == "postgres" {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LeaderLock && c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 1s")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
