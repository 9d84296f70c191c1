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
// built-in defaults, applies ARXPREDICT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ARXPREDICT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setUint64(&cfg.Market.MinLiquidity, "ARXPREDICT_MARKET_MIN_LIQUIDITY")
	setUint64(&cfg.Market.ShareUnit, "ARXPREDICT_MARKET_SHARE_UNIT")
	setUint64(&cfg.Market.PayoutPerShare, "ARXPREDICT_MARKET_PAYOUT_PER_SHARE")
	setInt(&cfg.Market.TokenDecimals, "ARXPREDICT_MARKET_TOKEN_DECIMALS")
	setDuration(&cfg.Market.RevealInterval, "ARXPREDICT_MARKET_REVEAL_INTERVAL")

	// ── MXE ──
	setStr(&cfg.MXE.MasterKey, "ARXPREDICT_MXE_MASTER_KEY")
	setStr(&cfg.MXE.EncryptedKeyPath, "ARXPREDICT_MXE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.MXE.KeyPassword, "ARXPREDICT_MXE_KEY_PASSWORD")
	setStr(&cfg.MXE.KeyID, "ARXPREDICT_MXE_KEY_ID")
	setStr(&cfg.MXE.PublicKey, "ARXPREDICT_MXE_PUBLIC_KEY")
	setInt(&cfg.MXE.Workers, "ARXPREDICT_MXE_WORKERS")

	// ── Coordinator ──
	setStr(&cfg.Coordinator.JobStream, "ARXPREDICT_COORDINATOR_JOB_STREAM")
	setStr(&cfg.Coordinator.ResultStream, "ARXPREDICT_COORDINATOR_RESULT_STREAM")
	setStr(&cfg.Coordinator.NodeGroup, "ARXPREDICT_COORDINATOR_NODE_GROUP")
	setStr(&cfg.Coordinator.NodeName, "ARXPREDICT_COORDINATOR_NODE_NAME")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "ARXPREDICT_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARXPREDICT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ARXPREDICT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARXPREDICT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARXPREDICT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARXPREDICT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARXPREDICT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARXPREDICT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARXPREDICT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARXPREDICT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARXPREDICT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARXPREDICT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARXPREDICT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARXPREDICT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARXPREDICT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARXPREDICT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARXPREDICT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "ARXPREDICT_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARXPREDICT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARXPREDICT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARXPREDICT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARXPREDICT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARXPREDICT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARXPREDICT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARXPREDICT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "ARXPREDICT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Prefix, "ARXPREDICT_ARCHIVE_PREFIX")
	setInt(&cfg.Archive.ChunkSize, "ARXPREDICT_ARCHIVE_CHUNK_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARXPREDICT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARXPREDICT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARXPREDICT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARXPREDICT_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "ARXPREDICT_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureMaxAge, "ARXPREDICT_SERVER_SIGNATURE_MAX_AGE")
	setInt(&cfg.Server.RateLimit, "ARXPREDICT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ARXPREDICT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPIURL, "ARXPREDICT_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.TelegramToken, "ARXPREDICT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARXPREDICT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARXPREDICT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARXPREDICT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARXPREDICT_MODE")
	setStr(&cfg.LogLevel, "ARXPREDICT_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
