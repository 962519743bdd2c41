package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencadc/librarian/internal/retry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "librarian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "registry: registry.example.org\n"))
	require.NoError(t, err)

	assert.Equal(t, "registry.example.org", cfg.Registry)
	assert.Equal(t, "./manifests", cfg.ManifestDir)
	assert.Equal(t, "./data/workspace", cfg.WorkspaceDir)
	assert.Equal(t, 30*time.Minute, cfg.Build.Timeout.Std())
	assert.Equal(t, 2, cfg.Build.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Daemon.Interval.Std())
	assert.Equal(t, 2, cfg.Daemon.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Signing.Enabled)
	assert.False(t, cfg.Notify.Enabled)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REGISTRY", "images.canfar.net")
	cfg, err := Load(writeConfig(t, "registry: ${TEST_REGISTRY}\n"))
	require.NoError(t, err)
	assert.Equal(t, "images.canfar.net", cfg.Registry)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad log level", "logging:\n  level: chatty\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"short daemon interval", "daemon:\n  interval: 100ms\n"},
		{"negative workers", "daemon:\n  workers: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestRetryPolicyFromBuildSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
build:
  max_retries: 4
  backoff: exponential
  backoff_initial: 2s
  backoff_max: 1m
`))
	require.NoError(t, err)

	p := cfg.RetryPolicy()
	assert.Equal(t, retry.BackoffExponential, p.Mode)
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.Initial)
	assert.Equal(t, time.Minute, p.Max)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
