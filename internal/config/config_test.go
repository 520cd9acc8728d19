package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Router.TieBreaks = []string{"amount", "vibes"}
	cfg.Executor.MaxAttempts = 0
	cfg.Cache.Backend = "tiered"
	cfg.Redis.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, `unknown tie break "vibes"`)
	assert.Contains(t, msg, "max_attempts must be >= 1")
	assert.Contains(t, msg, "requires redis.enabled")
}

func TestValidateRequiresAnAggregator(t *testing.T) {
	cfg := Defaults()
	cfg.Aggregators.ZeroEx.Enabled = false
	cfg.Aggregators.ParaSwap.Enabled = false
	cfg.Aggregators.OpenOcean.Enabled = false

	assert.ErrorContains(t, cfg.Validate(), "at least one aggregator")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
log_level = "debug"

[router]
per_call_timeout = "1s"
overall_timeout = "2s"
tie_breaks = ["gas", "amount"]

[[chains]]
id = 8453
name = "base"
rpc_url = "https://base.example"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("DEXSWAP_ROUTER_OVERALL_TIMEOUT", "4s")
	t.Setenv("DEXSWAP_EXECUTOR_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.Router.PerCallTimeout.Duration)
	assert.Equal(t, 4*time.Second, cfg.Router.OverallTimeout.Duration)
	assert.Equal(t, []string{"gas", "amount"}, cfg.Router.TieBreaks)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, int64(8453), cfg.Chains[0].ID)
	// untouched defaults survive
	assert.Equal(t, 15*time.Second, cfg.Router.QuoteTTL.Duration)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Signer.APISecret = "s3cret"
	cfg.Aggregators.ZeroEx.APIKey = "zx"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Signer.APISecret)
	assert.Equal(t, "***", out.Aggregators.ZeroEx.APIKey)
	assert.Equal(t, "***", out.Chains[0].RPCURL)
	assert.Empty(t, out.Signer.KeyPassword)

	// original untouched
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, "https://eth.llamarpc.com", cfg.Chains[0].RPCURL)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.Server.RateWindow.Duration)
	assert.Equal(t, 10*time.Second, cfg.Aggregators.OpenOcean.QuoteTTL.Duration)
	assert.Len(t, cfg.Chains, 2)
}

func TestValidateSweepAndRetention(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.SweepInterval.Duration = 0
	cfg.Archive.Enabled = true
	cfg.Archive.Retention.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep_interval must be > 0")
	assert.Contains(t, err.Error(), "retention must be > 0")
}
