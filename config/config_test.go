package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	for _, key := range []string{
		"DATABASE_URL", "LEDGER_RPC_URL", "LEDGER_ARTIFACTS_DIR", "LEDGER_GAS_LIMIT",
		"DEPLOY_TIMEOUT", "PENALTY_RATE_PCT", "GRACE_PERIOD_DAYS", "REDIS_ADDR",
		"AMQP_URL", "AMQP_EXCHANGE", "OUTBOX_INTERVAL", "OPS_ADDR", "JWT_SECRET",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return dir
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/rentals")
	t.Setenv("DEPLOY_TIMEOUT", "90s")
	t.Setenv("PENALTY_RATE_PCT", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/rentals", cfg.DatabaseURL)
	assert.Equal(t, 90*time.Second, cfg.DeployTimeout)
	assert.EqualValues(t, 7, cfg.PenaltyRatePct)
	assert.EqualValues(t, 3, cfg.GracePeriodDays)
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoad_YAMLOverlaidByEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "rentald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://yaml/rentals
ledger_rpc_url: ws://127.0.0.1:8545
outbox_interval: 10s
grace_period_days: 5
log_format: json
`), 0o600))
	t.Setenv("GRACE_PERIOD_DAYS", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://yaml/rentals", cfg.DatabaseURL)
	assert.True(t, cfg.LedgerEnabled())
	assert.Equal(t, 10*time.Second, cfg.OutboxInterval)
	assert.EqualValues(t, 1, cfg.GracePeriodDays)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.NotNil(t, cfg.Logger())
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DATABASE_URL=postgres://dotenv/rentals\nREDIS_ADDR=cache:6379\n"), 0o600))
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/rentals", cfg.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoad_Invalid(t *testing.T) {
	isolate(t)
	t.Setenv("DEPLOY_TIMEOUT", "soon")
	t.Setenv("PENALTY_RATE_PCT", "250")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPLOY_TIMEOUT")

	t.Setenv("DEPLOY_TIMEOUT", "")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "PENALTY_RATE_PCT 250")
}

// chdir changes the working directory for the duration of the test, like
// testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
