// Package config defines the top-level configuration for the prediction
// market service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARXPREDICT_* environment variables.
type Config struct {
	Market      MarketConfig      `toml:"market"`
	MXE         MXEConfig         `toml:"mxe"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Storage     StorageConfig     `toml:"storage"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// MarketConfig holds the market rules captured at market creation.
type MarketConfig struct {
	// MinLiquidity is the exclusive lower bound on the liquidity parameter b.
	MinLiquidity      uint64   `toml:"min_liquidity"`
	ShareUnit         uint64   `toml:"share_unit"`
	PayoutPerShare    uint64   `toml:"payout_per_share"`
	TokenDecimals     int      `toml:"token_decimals"`
	RevealInterval    duration `toml:"reveal_interval"`
	MaxQuestionLength int      `toml:"max_question_length"`
	MaxOptionLength   int      `toml:"max_option_length"`
}

// MXEConfig holds the cluster key material. Exactly one of MasterKey and
// EncryptedKeyPath is used; the raw key wins when both are set.
type MXEConfig struct {
	MasterKey        string `toml:"master_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	KeyID            string `toml:"key_id"`
	// PublicKey is the hex cluster public key served by coordinator-only
	// deployments, which hold no key material.
	PublicKey string `toml:"public_key"`
	Workers   int    `toml:"workers"`
}

// CoordinatorConfig names the durable streams shared with cluster nodes.
type CoordinatorConfig struct {
	JobStream    string `toml:"job_stream"`
	ResultStream string `toml:"result_stream"`
	// NodeGroup is the consumer group cluster nodes read jobs through.
	NodeGroup string `toml:"node_group"`
	// NodeName names this node within the group. Empty uses the host name.
	NodeName string `toml:"node_name"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver string `toml:"driver"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
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

// ArchiveConfig controls how committed events are moved to object storage.
type ArchiveConfig struct {
	RetentionDays int    `toml:"retention_days"`
	Prefix        string `toml:"prefix"`
	ChunkSize     int    `toml:"chunk_size"`
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
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureMaxAge   duration `toml:"signature_max_age"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			MinLiquidity:      10,
			ShareUnit:         1_000_000,
			PayoutPerShare:    1_000_000,
			TokenDecimals:     6,
			RevealInterval:    duration{60 * time.Second},
			MaxQuestionLength: 50,
			MaxOptionLength:   20,
		},
		MXE: MXEConfig{
			KeyID:   "mxe-1",
			Workers: 4,
		},
		Coordinator: CoordinatorConfig{
			JobStream:    "mxe:jobs",
			ResultStream: "mxe:results",
			NodeGroup:    "mxe-nodes",
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arxpredict",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "arxpredict",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arxpredict-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Prefix:        "archive/events",
			ChunkSize:     5000,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequireSignatures: true,
			SignatureMaxAge:   duration{5 * time.Minute},
			RateLimit:         120,
			RateWindow:        duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":        true,
	"coordinator": true,
	"cluster":     true,
	"archive":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers enumerates the accepted values for Storage.Driver.
var validDrivers = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, coordinator, cluster, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.MinLiquidity == 0 {
		errs = append(errs, "market: min_liquidity must be > 0")
	}
	if c.Market.ShareUnit == 0 {
		errs = append(errs, "market: share_unit must be > 0")
	}
	if c.Market.PayoutPerShare == 0 {
		errs = append(errs, "market: payout_per_share must be > 0")
	}
	if c.Market.TokenDecimals < 0 || c.Market.TokenDecimals > 18 {
		errs = append(errs, fmt.Sprintf("market: token_decimals must be 0-18, got %d", c.Market.TokenDecimals))
	}
	if c.Market.RevealInterval.Duration < 0 {
		errs = append(errs, "market: reveal_interval must not be negative")
	}
	if c.Market.MaxQuestionLength < 1 || c.Market.MaxOptionLength < 1 {
		errs = append(errs, "market: max_question_length and max_option_length must be >= 1")
	}

	// MXE key material lives only where jobs execute.
	if mode == "full" || mode == "cluster" {
		if c.MXE.MasterKey == "" && c.MXE.EncryptedKeyPath == "" {
			errs = append(errs, "mxe: either master_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.MXE.MasterKey == "" && c.MXE.EncryptedKeyPath != "" && c.MXE.KeyPassword == "" {
			errs = append(errs, "mxe: key_password is required when encrypted_key_path is set")
		}
		if c.MXE.Workers < 1 {
			errs = append(errs, "mxe: workers must be >= 1")
		}
	}
	if mode == "coordinator" && c.Server.Enabled && c.MXE.PublicKey == "" {
		errs = append(errs, "mxe: public_key is required for mode coordinator")
	}
	if c.MXE.KeyID == "" {
		errs = append(errs, "mxe: key_id must not be empty")
	}

	// Coordinator streams
	if mode == "coordinator" || mode == "cluster" {
		if c.Coordinator.JobStream == "" || c.Coordinator.ResultStream == "" {
			errs = append(errs, "coordinator: job_stream and result_stream must not be empty")
		}
		if c.Coordinator.JobStream == c.Coordinator.ResultStream {
			errs = append(errs, "coordinator: job_stream and result_stream must differ")
		}
	}

	// Storage
	driver := strings.ToLower(c.Storage.Driver)
	if !validDrivers[driver] {
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}
	if driver == "memory" && (mode == "coordinator" || mode == "archive") {
		errs = append(errs, "storage: driver memory cannot be shared with mode "+c.Mode)
	}

	// Postgres
	if driver == "postgres" && mode != "cluster" {
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
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 and archive
	if mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}
	if c.Archive.ChunkSize < 1 {
		errs = append(errs, "archive: chunk_size must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignatureMaxAge.Duration < 0 {
			errs = append(errs, "server: signature_max_age must be >= 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ArchiveCutoff returns the instant before which events are archived.
func (c *Config) ArchiveCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(c.Archive.RetentionDays) * 24 * time.Hour)
}
