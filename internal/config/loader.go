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
// built-in defaults, applies DEXSWAP_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known DEXSWAP_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "DEXSWAP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DEXSWAP_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEXSWAP_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DEXSWAP_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DEXSWAP_SERVER_RATE_WINDOW")

	// ── Router ──
	setDuration(&cfg.Router.PerCallTimeout, "DEXSWAP_ROUTER_PER_CALL_TIMEOUT")
	setDuration(&cfg.Router.OverallTimeout, "DEXSWAP_ROUTER_OVERALL_TIMEOUT")
	setDuration(&cfg.Router.QuoteTTL, "DEXSWAP_ROUTER_QUOTE_TTL")
	setStringSlice(&cfg.Router.TieBreaks, "DEXSWAP_ROUTER_TIE_BREAKS")

	// ── Aggregators ──
	setBool(&cfg.Aggregators.ZeroEx.Enabled, "DEXSWAP_ZEROEX_ENABLED")
	setStr(&cfg.Aggregators.ZeroEx.BaseURL, "DEXSWAP_ZEROEX_BASE_URL")
	setStr(&cfg.Aggregators.ZeroEx.APIKey, "DEXSWAP_ZEROEX_API_KEY")
	setBool(&cfg.Aggregators.ParaSwap.Enabled, "DEXSWAP_PARASWAP_ENABLED")
	setStr(&cfg.Aggregators.ParaSwap.BaseURL, "DEXSWAP_PARASWAP_BASE_URL")
	setStr(&cfg.Aggregators.ParaSwap.APIKey, "DEXSWAP_PARASWAP_API_KEY")
	setBool(&cfg.Aggregators.OpenOcean.Enabled, "DEXSWAP_OPENOCEAN_ENABLED")
	setStr(&cfg.Aggregators.OpenOcean.BaseURL, "DEXSWAP_OPENOCEAN_BASE_URL")
	setStr(&cfg.Aggregators.OpenOcean.APIKey, "DEXSWAP_OPENOCEAN_API_KEY")

	// ── Validator / executor / tracker ──
	setFloat64(&cfg.Validator.MaxPriceImpactPercent, "DEXSWAP_VALIDATOR_MAX_PRICE_IMPACT_PERCENT")
	setFloat64(&cfg.Validator.MaxSlippagePercent, "DEXSWAP_VALIDATOR_MAX_SLIPPAGE_PERCENT")
	setInt(&cfg.Executor.MaxAttempts, "DEXSWAP_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.SubmitTimeout, "DEXSWAP_EXECUTOR_SUBMIT_TIMEOUT")
	setDuration(&cfg.Tracker.InitialInterval, "DEXSWAP_TRACKER_INITIAL_INTERVAL")
	setDuration(&cfg.Tracker.MaxInterval, "DEXSWAP_TRACKER_MAX_INTERVAL")
	setDuration(&cfg.Tracker.MaxWait, "DEXSWAP_TRACKER_MAX_WAIT")
	setDuration(&cfg.Idempotency.Window, "DEXSWAP_IDEMPOTENCY_WINDOW")

	// ── Cache / store ──
	setStr(&cfg.Cache.Backend, "DEXSWAP_CACHE_BACKEND")
	setInt(&cfg.Cache.MaxEntries, "DEXSWAP_CACHE_MAX_ENTRIES")
	setStr(&cfg.Store.Backend, "DEXSWAP_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEXSWAP_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DEXSWAP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEXSWAP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEXSWAP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEXSWAP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEXSWAP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEXSWAP_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEXSWAP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEXSWAP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEXSWAP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DEXSWAP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DEXSWAP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEXSWAP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEXSWAP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEXSWAP_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DEXSWAP_REDIS_TLS_ENABLED")

	// ── Signer ──
	setStr(&cfg.Signer.Mode, "DEXSWAP_SIGNER_MODE")
	setStr(&cfg.Signer.URL, "DEXSWAP_SIGNER_URL")
	setStr(&cfg.Signer.APIKey, "DEXSWAP_SIGNER_API_KEY")
	setStr(&cfg.Signer.APISecret, "DEXSWAP_SIGNER_API_SECRET")
	setStr(&cfg.Signer.EncryptedKeyPath, "DEXSWAP_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "DEXSWAP_SIGNER_KEY_PASSWORD")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DEXSWAP_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "DEXSWAP_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "DEXSWAP_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "DEXSWAP_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "DEXSWAP_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "DEXSWAP_ARCHIVE_SECRET_KEY")
	setDuration(&cfg.Archive.Retention, "DEXSWAP_ARCHIVE_RETENTION")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEXSWAP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEXSWAP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEXSWAP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DEXSWAP_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "DEXSWAP_LOG_LEVEL")
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
