package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/storage"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	cfg.Mode = ModeReceiver
	require.NoError(t, cfg.Validate())
}

func TestResolve_DerivesPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/td"
	cfg.Resolve()

	assert.Equal(t, filepath.Join("/tmp/td", "queue"), cfg.Client.QueueDir)
	assert.Equal(t, filepath.Join("/tmp/td", "events.db"), cfg.Receiver.DBPath)
	assert.Equal(t, filepath.Join("/tmp/td", "archive"), cfg.Storage.Path)

	qc := cfg.QueueConfig()
	assert.Equal(t, queue.BackendAuto, qc.Backend)
	assert.Equal(t, cfg.Client.QueueDir, qc.Dir)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "both" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"empty endpoint", func(c *Config) { c.Client.Endpoint = "" }},
		{"bad queue backend", func(c *Config) { c.Client.QueueBackend = "redis" }},
		{"zero batch size", func(c *Config) { c.Client.BatchSize = 0 }},
		{"zero mirror cap", func(c *Config) { c.Client.MirrorCap = 0 }},
		{"beacon above transport limit", func(c *Config) { c.Client.BeaconMaxBytes = 100000 }},
		{"negative beacon size", func(c *Config) { c.Client.BeaconMaxBytes = -1 }},
		{"bad storage type", func(c *Config) { c.Mode = ModeReceiver; c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Mode = ModeReceiver; c.Storage.Type = storage.TypeS3 }},
		{"empty addr", func(c *Config) { c.Mode = ModeReceiver; c.Receiver.Addr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustdoors.yaml")
	content := `
mode: receiver
data_dir: /var/lib/trustdoors
log:
  level: debug
  format: json
receiver:
  addr: ":9000"
  max_body_bytes: 1048576
storage:
  type: s3
  s3_bucket: study-archive
  s3_region: eu-west-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeReceiver, cfg.Mode)
	assert.Equal(t, "/var/lib/trustdoors", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9000", cfg.Receiver.Addr)
	assert.Equal(t, int64(1048576), cfg.Receiver.MaxBodyBytes)
	assert.Equal(t, "study-archive", cfg.Storage.S3Bucket)
	// Unset fields keep their defaults.
	assert.Equal(t, 25, cfg.Client.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Receiver.WriteTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustdoors.json")
	content := `{"mode":"client","client":{"endpoint":"https://collect.example.org/log","batch_size":10,"queue_backend":"file"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://collect.example.org/log", cfg.Client.Endpoint)
	assert.Equal(t, 10, cfg.Client.BatchSize)
	assert.Equal(t, queue.BackendFile, cfg.Client.QueueBackend)
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	toml := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(toml, []byte("mode = 'client'"), 0644))
	_, err = LoadFromFile(toml)
	assert.ErrorContains(t, err, "unsupported")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRUSTDOORS_MODE", "receiver")
	t.Setenv("TRUSTDOORS_ENDPOINT", "http://receiver/v1/log")
	t.Setenv("TRUSTDOORS_PARTICIPANT_ID", "P-17")
	t.Setenv("TRUSTDOORS_BATCH_SIZE", "5")
	t.Setenv("TRUSTDOORS_HTTP_TIMEOUT", "3s")
	t.Setenv("TRUSTDOORS_RECEIVER_MAX_BODY_BYTES", "4096")
	t.Setenv("TRUSTDOORS_ARCHIVE_ENABLED", "false")
	t.Setenv("TRUSTDOORS_S3_PATH_STYLE", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, ModeReceiver, cfg.Mode)
	assert.Equal(t, "http://receiver/v1/log", cfg.Client.Endpoint)
	assert.Equal(t, "P-17", cfg.Client.ParticipantID)
	assert.Equal(t, 5, cfg.Client.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Client.HTTPTimeout)
	assert.Equal(t, int64(4096), cfg.Receiver.MaxBodyBytes)
	assert.False(t, cfg.Receiver.ArchiveEnabled)
	assert.True(t, cfg.Storage.PathStyle)
}

func TestLoadFromEnv_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("TRUSTDOORS_BATCH_SIZE", "many")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, 25, cfg.Client.BatchSize)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "client")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Client.QueueDir)

	cfg = DefaultConfig()
	cfg.Mode = ModeReceiver
	cfg.DataDir = filepath.Join(base, "receiver")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.Path)
	assert.DirExists(t, filepath.Dir(cfg.Receiver.DBPath))
}
