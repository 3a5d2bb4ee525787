package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Empty(t, cfg.GRPCPort)
	assert.Equal(t, "./java", cfg.Process.Dir)
	assert.Equal(t, []string{"node", "index.js"}, cfg.Process.Command)
	assert.Equal(t, RunnerExec, cfg.Process.Runner)
	assert.Equal(t, "npm install", cfg.Bootstrap.InstallCmd)
	assert.Equal(t, 2*time.Second, cfg.Delivery.InterMessageDelay)
	assert.Equal(t, 15*time.Second, cfg.Delivery.RateLimitBackoff)
	assert.Equal(t, 60*time.Second, cfg.SummaryInterval)
	assert.Equal(t, 30*time.Second, cfg.IdleResetDelay)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.InDelta(t, 25.0, cfg.TelegramRPS, 0.001)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("RUNNER", "Docker")
	t.Setenv("PROCESS_COMMAND", "python3 main.py --quiet")
	t.Setenv("SUMMARY_INTERVAL", "90s")
	t.Setenv("RETRY_DELAY", "500")
	t.Setenv("SKIP_BOOTSTRAP", "yes")
	t.Setenv("TELEGRAM_RPS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, RunnerDocker, cfg.Process.Runner)
	assert.Equal(t, []string{"python3", "main.py", "--quiet"}, cfg.Process.Command)
	assert.Equal(t, 90*time.Second, cfg.SummaryInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.RetryDelay)
	assert.True(t, cfg.Bootstrap.Skip)
	assert.InDelta(t, 25.0, cfg.TelegramRPS, 0.001)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("RUNNER", "podman")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateServe(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateServe())

	cfg.BotToken = "123:abc"
	assert.Error(t, cfg.ValidateServe())

	cfg.Bootstrap.Skip = true
	assert.NoError(t, cfg.ValidateServe())
}
