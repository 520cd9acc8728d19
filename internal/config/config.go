// Package config defines the top-level configuration for the swap engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEXSWAP_* environment variables.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Router      RouterConfig      `toml:"router"`
	Aggregators AggregatorsConfig `toml:"aggregators"`
	Validator   ValidatorConfig   `toml:"validator"`
	Executor    ExecutorConfig    `toml:"executor"`
	Tracker     TrackerConfig     `toml:"tracker"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	Cache       CacheConfig       `toml:"cache"`
	Store       StoreConfig       `toml:"store"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Chains      []ChainConfig     `toml:"chains"`
	Signer      SignerConfig      `toml:"signer"`
	Archive     ArchiveConfig     `toml:"archive"`
	Notify      NotifyConfig      `toml:"notify"`
	LogLevel    string            `toml:"log_level"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Duration builds a config duration; handy in tests and defaults.
func Duration(d time.Duration) duration { return duration{d} }

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
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"` // requests per rate_window per client IP
	RateWindow  duration `toml:"rate_window"`
}

// RouterConfig bounds the aggregator fan-out.
type RouterConfig struct {
	PerCallTimeout duration `toml:"per_call_timeout"`
	OverallTimeout duration `toml:"overall_timeout"`
	QuoteTTL       duration `toml:"quote_ttl"`
	// TieBreaks orders the comparisons applied when price impact is equal.
	// Known keys: "amount", "gas".
	TieBreaks []string `toml:"tie_breaks"`
}

// AggregatorConfig configures one aggregator client.
type AggregatorConfig struct {
	Enabled  bool     `toml:"enabled"`
	BaseURL  string   `toml:"base_url"`
	APIKey   string   `toml:"api_key"`
	QuoteTTL duration `toml:"quote_ttl"`
}

// AggregatorsConfig lists the supported aggregator clients.
type AggregatorsConfig struct {
	ZeroEx    AggregatorConfig `toml:"zeroex"`
	ParaSwap  AggregatorConfig `toml:"paraswap"`
	OpenOcean AggregatorConfig `toml:"openocean"`
}

// ValidatorConfig holds the platform-wide safety bounds.
type ValidatorConfig struct {
	MaxPriceImpactPercent float64 `toml:"max_price_impact_percent"`
	MaxSlippagePercent    float64 `toml:"max_slippage_percent"`
}

// ExecutorConfig bounds submission retries.
type ExecutorConfig struct {
	MaxAttempts   int      `toml:"max_attempts"`
	RetryBackoff  duration `toml:"retry_backoff"`
	SubmitTimeout duration `toml:"submit_timeout"`
}

// TrackerConfig controls chain polling.
type TrackerConfig struct {
	InitialInterval duration `toml:"initial_interval"`
	MaxInterval     duration `toml:"max_interval"`
	MaxWait         duration `toml:"max_wait"`
	LockTTL         duration `toml:"lock_ttl"`
}

// IdempotencyConfig controls the dedup window.
type IdempotencyConfig struct {
	Window duration `toml:"window"`
}

// CacheConfig selects and sizes the quote cache.
type CacheConfig struct {
	// Backend is one of "memory", "redis" or "tiered".
	Backend       string   `toml:"backend"`
	MaxEntries    int      `toml:"max_entries"`
	SweepInterval duration `toml:"sweep_interval"`
}

// StoreConfig selects the execution store.
type StoreConfig struct {
	// Backend is one of "postgres" or "memory".
	Backend string `toml:"backend"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ChainConfig describes one supported EVM chain.
type ChainConfig struct {
	ID     int64  `toml:"id"`
	Name   string `toml:"name"`
	RPCURL string `toml:"rpc_url"`
}

// SignerConfig selects the signer/broadcaster.
type SignerConfig struct {
	// Mode is "remote" for the signing service or "local" for a dev key.
	Mode             string   `toml:"mode"`
	URL              string   `toml:"url"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	Timeout          duration `toml:"timeout"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
}

// ArchiveConfig holds S3-compatible object storage parameters for the
// execution archiver.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Retention      duration `toml:"retention"`
	Interval       duration `toml:"interval"`
	DeleteAfter    bool     `toml:"delete_after"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateWindow:  duration{time.Second},
		},
		Router: RouterConfig{
			PerCallTimeout: duration{2 * time.Second},
			OverallTimeout: duration{3 * time.Second},
			QuoteTTL:       duration{15 * time.Second},
			TieBreaks:      []string{"amount", "gas"},
		},
		Aggregators: AggregatorsConfig{
			ZeroEx:    AggregatorConfig{Enabled: true, BaseURL: "https://api.0x.org"},
			ParaSwap:  AggregatorConfig{Enabled: true, BaseURL: "https://apiv5.paraswap.io"},
			OpenOcean: AggregatorConfig{Enabled: true, BaseURL: "https://open-api.openocean.finance"},
		},
		Validator: ValidatorConfig{
			MaxPriceImpactPercent: 5.0,
			MaxSlippagePercent:    5.0,
		},
		Executor: ExecutorConfig{
			MaxAttempts:   3,
			RetryBackoff:  duration{500 * time.Millisecond},
			SubmitTimeout: duration{30 * time.Second},
		},
		Tracker: TrackerConfig{
			InitialInterval: duration{2 * time.Second},
			MaxInterval:     duration{30 * time.Second},
			MaxWait:         duration{10 * time.Minute},
			LockTTL:         duration{15 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			Window: duration{10 * time.Minute},
		},
		Cache: CacheConfig{
			Backend:       "memory",
			MaxEntries:    10_000,
			SweepInterval: duration{30 * time.Second},
		},
		Store: StoreConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dexswap",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Chains: []ChainConfig{
			{ID: 1, Name: "ethereum", RPCURL: "https://eth.llamarpc.com"},
		},
		Signer: SignerConfig{
			Mode:    "remote",
			URL:     "http://localhost:8600",
			Timeout: duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dexswap-archive",
			ForcePathStyle: true,
			Retention:      duration{30 * 24 * time.Hour},
			Interval:       duration{6 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"failed", "expired", "broadcast_error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTieBreaks = map[string]bool{
	"amount": true,
	"gas":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	// Router
	if c.Router.PerCallTimeout.Duration <= 0 {
		errs = append(errs, "router: per_call_timeout must be > 0")
	}
	if c.Router.OverallTimeout.Duration < c.Router.PerCallTimeout.Duration {
		errs = append(errs, "router: overall_timeout must be >= per_call_timeout")
	}
	if c.Router.QuoteTTL.Duration <= 0 {
		errs = append(errs, "router: quote_ttl must be > 0")
	}
	for _, tb := range c.Router.TieBreaks {
		if !validTieBreaks[tb] {
			errs = append(errs, fmt.Sprintf("router: unknown tie break %q (valid: amount, gas)", tb))
		}
	}

	// Aggregators
	enabled := 0
	for name, a := range c.Aggregators.byName() {
		if !a.Enabled {
			continue
		}
		enabled++
		if a.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("aggregators.%s: base_url must not be empty", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "aggregators: at least one aggregator must be enabled")
	}

	// Validator
	if c.Validator.MaxPriceImpactPercent <= 0 {
		errs = append(errs, "validator: max_price_impact_percent must be > 0")
	}
	if c.Validator.MaxSlippagePercent <= 0 || c.Validator.MaxSlippagePercent > 50 {
		errs = append(errs, "validator: max_slippage_percent must be within (0, 50]")
	}

	// Executor / tracker / idempotency
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}
	if c.Executor.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "executor: submit_timeout must be > 0")
	}
	if c.Tracker.InitialInterval.Duration <= 0 {
		errs = append(errs, "tracker: initial_interval must be > 0")
	}
	if c.Tracker.MaxInterval.Duration < c.Tracker.InitialInterval.Duration {
		errs = append(errs, "tracker: max_interval must be >= initial_interval")
	}
	if c.Tracker.MaxWait.Duration <= 0 {
		errs = append(errs, "tracker: max_wait must be > 0")
	}
	if c.Idempotency.Window.Duration <= 0 {
		errs = append(errs, "idempotency: window must be > 0")
	}

	// Cache
	switch c.Cache.Backend {
	case "memory", "tiered", "redis":
	default:
		errs = append(errs, fmt.Sprintf("cache: unknown backend %q (valid: memory, redis, tiered)", c.Cache.Backend))
	}
	if c.Cache.Backend != "memory" && !c.Redis.Enabled {
		errs = append(errs, "cache: backend "+c.Cache.Backend+" requires redis.enabled")
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache: max_entries must be >= 1")
	}
	if c.Cache.Backend != "redis" && c.Cache.SweepInterval.Duration <= 0 {
		errs = append(errs, "cache: sweep_interval must be > 0")
	}

	// Store
	switch c.Store.Backend {
	case "postgres":
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
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, memory)", c.Store.Backend))
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

	// Chains
	if len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID <= 0 {
			errs = append(errs, fmt.Sprintf("chains: id must be positive, got %d", ch.ID))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("chains: duplicate id %d", ch.ID))
		}
		seen[ch.ID] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains: rpc_url must not be empty for chain %d", ch.ID))
		}
	}

	// Signer
	switch c.Signer.Mode {
	case "remote":
		if c.Signer.URL == "" {
			errs = append(errs, "signer: url must not be empty in remote mode")
		}
	case "local":
		if c.Signer.EncryptedKeyPath == "" || c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: encrypted_key_path and key_password are required in local mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("signer: unknown mode %q (valid: remote, local)", c.Signer.Mode))
	}

	// Archive
	if c.Archive.Enabled {
		if c.Store.Backend != "postgres" {
			errs = append(errs, "archive: requires store.backend = postgres")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (a AggregatorsConfig) byName() map[string]AggregatorConfig {
	return map[string]AggregatorConfig{
		"zeroex":    a.ZeroEx,
		"paraswap":  a.ParaSwap,
		"openocean": a.OpenOcean,
	}
}
