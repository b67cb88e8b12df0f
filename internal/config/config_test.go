package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/grabber/internal/quality"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
downloads:
  max_parallel_downloads: 7
  max_parallel_downloads_episodes: 1
  time_between_download_attempts: 3s
  action_on_no_quality: stop
  file_priority: subtitle
naming:
  template: ["%title%", " ", "%quality%"]
  replace_spaces: true
notifications:
  webhooks:
    - name: ops
      url: http://example.test/hook
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7, cfg.Downloads.MaxParallelDownloads)
	assert.Equal(t, 1, cfg.Downloads.MaxParallelDownloadsEpisodes)
	assert.Equal(t, 3*time.Second, cfg.Downloads.TimeBetweenDownloadAttempts)
	assert.Equal(t, quality.ActionStop, cfg.Downloads.ActionOnNoQuality)
	assert.Equal(t, quality.ActionIgnore, cfg.Downloads.ActionOnNoSubtitles)
	assert.Equal(t, "subtitle", cfg.Downloads.FilePriority)
	assert.Equal(t, []string{"%title%", " ", "%quality%"}, cfg.Naming.Template)
	assert.True(t, cfg.Naming.ReplaceSpaces)
	require.Len(t, cfg.Notifications.Webhooks, 1)
	assert.Equal(t, "http://example.test/hook", cfg.Notifications.Webhooks[0].URL)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("GRABBER_DOWNLOADS_MAX_FALLBACK_ATTEMPTS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Downloads.MaxFallbackAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero parallel", func(c *Config) { c.Downloads.MaxParallelDownloads = 0 }},
		{"zero episodes", func(c *Config) { c.Downloads.MaxParallelDownloadsEpisodes = 0 }},
		{"negative attempts", func(c *Config) { c.Downloads.MaxFallbackAttempts = -1 }},
		{"no start limit", func(c *Config) { c.Downloads.DownloadStartTimeLimit = 0 }},
		{"negative retry delay", func(c *Config) { c.Downloads.TimeBetweenDownloadAttempts = -time.Second }},
		{"negative recovery delay", func(c *Config) { c.Downloads.RecoveryRetryDelay = -time.Second }},
		{"negative reconcile interval", func(c *Config) { c.Downloads.ReconcileInterval = -time.Minute }},
		{"ignore video error", func(c *Config) { c.Downloads.ActionOnLoadVideoError = quality.ActionIgnore }},
		{"bad quality action", func(c *Config) { c.Downloads.ActionOnNoQuality = "maybe" }},
		{"bad priority", func(c *Config) { c.Downloads.FilePriority = "audio" }},
		{"bad recovery", func(c *Config) { c.Recovery.OnStartup = "ask" }},
		{"empty template", func(c *Config) { c.Naming.Template = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidate_ZeroDelaysAllowed(t *testing.T) {
	cfg := Default()
	cfg.Downloads.TimeBetweenDownloadAttempts = 0
	cfg.Downloads.RecoveryRetryDelay = 0
	cfg.Downloads.ReconcileInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8484}
	assert.Equal(t, "0.0.0.0:8484", s.Address())
}
