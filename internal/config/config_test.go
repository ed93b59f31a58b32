package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "radar.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 120, cfg.Worker.EventDurationMinutes)
	assert.InDelta(t, 0.80, cfg.Lifecycle.ClassificationThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.Lifecycle.VerificationThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.Lifecycle.EventThreshold, 1e-9)
	assert.Equal(t, 90*24*time.Hour, cfg.Lifecycle.Staleness())
	assert.InDelta(t, 0.85, cfg.Dedup.NameThreshold, 1e-9)
	assert.InDelta(t, 150, cfg.Dedup.MaxDistanceM, 1e-9)
	assert.InDelta(t, 0.80, cfg.Dedup.TitleThreshold, 1e-9)
	assert.Contains(t, cfg.Classify.Categories, "grocery")
	assert.Equal(t, "https://places.googleapis.com/v1", cfg.Google.BaseURL)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.IngestCron)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/radar
lifecycle:
  staleness_days: 30
resilience:
  providers:
    google_places:
      rps: 5
      burst: 10
      max_in_flight: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.Lifecycle.StalenessDays)
	require.Contains(t, cfg.Resilience.Providers, "google_places")
	assert.InDelta(t, 5, cfg.Resilience.Providers["google_places"].RPS, 1e-9)
	assert.Equal(t, 2, cfg.Resilience.Providers["google_places"].MaxInFlight)
	// Defaults still apply for unset values.
	assert.InDelta(t, 0.80, cfg.Lifecycle.ClassificationThreshold, 1e-9)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("RADAR_LOG_LEVEL", "warn")
	t.Setenv("RADAR_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "radar.db"
	cfg.Lifecycle.ClassificationThreshold = 0.80
	cfg.Lifecycle.VerificationThreshold = 0.85
	cfg.Lifecycle.EventThreshold = 0.70
	cfg.Dedup.NameThreshold = 0.85
	cfg.Dedup.TitleThreshold = 0.80
	cfg.Dedup.MaxDistanceM = 150
	cfg.Worker.Concurrency = 4
	cfg.Classify.Categories = []string{"grocery"}
	cfg.Scheduler.IngestCron = "0 3 * * *"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("dedupe"))

	cfg.Store.Driver = "postgres"
	err := cfg.Validate("dedupe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("dedupe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql" is not supported`)
}

func TestValidate_ClassifyNeedsKey(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("classify"))
	assert.NoError(t, cfg.Validate("reverify"))
}

func TestValidate_PlacesNeedsKey(t *testing.T) {
	cfg := validDefaults()
	assert.Error(t, cfg.Validate("places"))
	cfg.Google.Key = "g-key"
	assert.NoError(t, cfg.Validate("places"))
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Lifecycle.ClassificationThreshold = 1.2
	cfg.Dedup.TitleThreshold = -0.1

	err := cfg.Validate("publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lifecycle.classification_threshold must be between 0 and 1")
	assert.Contains(t, err.Error(), "dedup.title_threshold must be between 0 and 1")
}

func TestValidate_ServeAndConcurrency(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg = validDefaults()
	cfg.Worker.Concurrency = 0
	err = cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.concurrency must be between 1 and 64")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
