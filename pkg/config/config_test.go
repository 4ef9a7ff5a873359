package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, 64, cfg.Token.Length)
	require.Equal(t, 365, cfg.Token.ExpirationDays)
	require.False(t, cfg.Tracing.LogSpans)
	require.Equal(t, 365*24*time.Hour, cfg.TokenTTL())
	require.Equal(t, 300*time.Second, cfg.SweepInterval())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
admin_api_key: "file-key"
token:
  expiration_days: 30
tracing:
  endpoint: "otel-collector:4318"
  log_spans: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "file-key", cfg.AdminAPIKey)
	require.Equal(t, 30, cfg.Token.ExpirationDays)
	require.Equal(t, "otel-collector:4318", cfg.Tracing.Endpoint)
	require.True(t, cfg.Tracing.LogSpans)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_LISTEN", ":7070")
	t.Setenv("WARDEN_ADMIN_API_KEY", "env-key")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, "env-key", cfg.AdminAPIKey)
}

func TestValidateNormalizesAndRejects(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrMissingAdminKey)

	cfg.AdminAPIKey = "key"
	cfg.Token.Length = -4
	cfg.Token.ExpirationDays = 0
	cfg.Sweep.IntervalS = 1
	cfg.Tracing.SampleRatio = 2
	require.NoError(t, cfg.Validate())
	require.Equal(t, 64, cfg.Token.Length)
	require.Equal(t, 365, cfg.Token.ExpirationDays)
	require.Equal(t, 300, cfg.Sweep.IntervalS)
	require.EqualValues(t, 1, cfg.Tracing.SampleRatio)

	cfg.Listen = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingListen)
}