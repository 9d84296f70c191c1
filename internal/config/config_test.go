package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.MXE.MasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	return cfg
}

func TestDefaultsNeedOnlyKeyMaterial(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mxe: either master_key or encrypted_key_path")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Storage.Driver = "sqlite"
	cfg.Market.ShareUnit = 0
	cfg.Server.Port = 70000
	cfg.Notify.TelegramToken = "token-only"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		`storage: unknown driver "sqlite"`,
		"market: share_unit must be > 0",
		"server: port must be 1-65535, got 70000",
		"notify: telegram_token and telegram_chat_id must be set together",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateModeRequirements(t *testing.T) {
	t.Run("coordinator needs the cluster public key", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "coordinator"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mxe: public_key is required")

		cfg.MXE.PublicKey = "ab"
		require.NoError(t, cfg.Validate())
	})

	t.Run("memory ledger is process local", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "archive"
		cfg.Storage.Driver = "memory"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "driver memory cannot be shared")
	})

	t.Run("encrypted key needs a password", func(t *testing.T) {
		cfg := Defaults()
		cfg.MXE.EncryptedKeyPath = "/etc/arxpredict/mxe.json"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mxe: key_password is required")
	})

	t.Run("streams must differ", func(t *testing.T) {
		cfg := validConfig()
		cfg.Mode = "cluster"
		cfg.Coordinator.ResultStream = cfg.Coordinator.JobStream
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job_stream and result_stream must differ")
	})
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "coordinator"
log_level = "debug"

[market]
min_liquidity = 25
reveal_interval = "2m"

[server]
port = 9100
rate_window = "30s"
`), 0o600))

	t.Setenv("ARXPREDICT_SERVER_PORT", "9200")
	t.Setenv("ARXPREDICT_SERVER_SIGNATURE_MAX_AGE", "90s")
	t.Setenv("ARXPREDICT_MXE_PUBLIC_KEY", "deadbeef")
	t.Setenv("ARXPREDICT_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ARXPREDICT_MARKET_PAYOUT_PER_SHARE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "coordinator", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(25), cfg.Market.MinLiquidity)
	assert.Equal(t, 2*time.Minute, cfg.Market.RevealInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Server.RateWindow.Duration)
	assert.Equal(t, 90*time.Second, cfg.Server.SignatureMaxAge.Duration)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "deadbeef", cfg.MXE.PublicKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Unparseable overrides leave the file or default value in place.
	assert.Equal(t, uint64(1_000_000), cfg.Market.PayoutPerShare)
	// Untouched sections keep their defaults.
	assert.Equal(t, "mxe:jobs", cfg.Coordinator.JobStream)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[market`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-pass"
	cfg.Server.APIKey = "api-key"
	cfg.Notify.Events = []string{"market_settled"}

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.MXE.MasterKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Notify.Events[0] = "mutated"
	assert.Equal(t, "market_settled", cfg.Notify.Events[0])
	assert.Equal(t, "pg-pass", cfg.Postgres.Password)
}

func TestArchiveCutoff(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.RetentionDays = 30
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), cfg.ArchiveCutoff(now))
}
