package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vkads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8020, cfg.Service.HTTPPort)
	assert.Equal(t, "https://ads.vk.com", cfg.VKAds.BaseURL)
	assert.Equal(t, 35*time.Millisecond, cfg.VKAds.APIDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.VKAds.StatsDelay)
	assert.Equal(t, 200, cfg.VKAds.StatsBatchSize)
	assert.Equal(t, 50, cfg.VKAds.StatsFallbackBatchSize)
	assert.Equal(t, 100.0, cfg.VKAds.MinDailyBudget)
	assert.Equal(t, []string{"sub4", "sub5"}, cfg.LeadsTech.SubFields)
	assert.Equal(t, 5, cfg.Runner.MaxConcurrentAccounts)
	assert.False(t, cfg.LeadsTech.Enabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 9000
vkads:
  api_delay: 50ms
  stats_batch_size: 100
leadstech:
  base_url: https://api.leads.tech
  login: user
  password: secret
  sub_fields: [sub2]
runner:
  lock_ttl: 30m
`)
	t.Setenv("VKADS_STATS_BATCH_SIZE", "150")
	t.Setenv("RUNNER_MAX_CONCURRENT_ACCOUNTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.HTTPPort)
	assert.Equal(t, 50*time.Millisecond, cfg.VKAds.APIDelay)
	assert.Equal(t, 150, cfg.VKAds.StatsBatchSize, "env wins over file")
	assert.Equal(t, 2, cfg.Runner.MaxConcurrentAccounts)
	assert.Equal(t, 30*time.Minute, cfg.Runner.LockTTL)
	assert.Equal(t, []string{"sub2"}, cfg.LeadsTech.SubFields)
	assert.True(t, cfg.LeadsTech.Enabled())
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "vkads:\n  mass_action_batch_size: 500\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "telegram:\n  enabled: true\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "vkads: [broken\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("VKADS_CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv("VKADS_CONFIG_PATH", "/etc/vkads.yaml")
	assert.Equal(t, "/etc/vkads.yaml", PathFromEnv())
}
