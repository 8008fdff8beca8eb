// Package config provides unified configuration for the logger and receiver
// binaries.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/storage"
	"github.com/trustdoors/trustdoors/internal/transport"
)

// Mode represents the binary role.
type Mode string

const (
	ModeClient   Mode = "client"
	ModeReceiver Mode = "receiver"
)

const defaultDataDir = "./data/trustdoors"

// Config holds the unified configuration.
type Config struct {
	// Mode specifies the role: client or receiver
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Log LogConfig `json:"log" yaml:"log"`

	// Client configuration for the event logger
	Client ClientConfig `json:"client" yaml:"client"`

	// Receiver configuration for the collection endpoint
	Receiver ReceiverConfig `json:"receiver" yaml:"receiver"`

	// Storage configuration for the receiver archive
	Storage storage.Config `json:"storage" yaml:"storage"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// ClientConfig holds event logger configuration.
type ClientConfig struct {
	// Endpoint is the receiver URL batches are posted to
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	ParticipantID string `json:"participant_id" yaml:"participant_id"`
	SessionID     string `json:"session_id" yaml:"session_id"`
	AppVersion    string `json:"app_version" yaml:"app_version"`
	UserAgent     string `json:"user_agent" yaml:"user_agent"`

	// BatchSize is the number of rows per delivery request (default 25)
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// EnqueueDelay is the flush delay armed after an enqueue
	EnqueueDelay time.Duration `json:"enqueue_delay" yaml:"enqueue_delay"`

	// QueueBackend is auto, sqlite or file
	QueueBackend string `json:"queue_backend" yaml:"queue_backend"`

	// QueueDir holds the durable queue files
	QueueDir string `json:"queue_dir" yaml:"queue_dir"`

	// FileMaxBytes is the quota of the file queue backend
	FileMaxBytes int64 `json:"file_max_bytes" yaml:"file_max_bytes"`

	// MirrorCap bounds the in-memory mirror used for emergency flushes
	MirrorCap int `json:"mirror_cap" yaml:"mirror_cap"`

	// BeaconMaxBytes bounds the emergency flush body
	BeaconMaxBytes int `json:"beacon_max_bytes" yaml:"beacon_max_bytes"`

	// HTTPTimeout bounds one delivery request
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout"`
}

// ReceiverConfig holds receiver configuration.
type ReceiverConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// DBPath is the events database path
	DBPath string `json:"db_path" yaml:"db_path"`

	// MaxBodyBytes caps one form body
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// ArchiveEnabled controls archiving of accepted batches to Storage
	ArchiveEnabled bool `json:"archive_enabled" yaml:"archive_enabled"`

	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeClient,
		DataDir: defaultDataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			Endpoint:       "http://localhost:8080/v1/log",
			BatchSize:      25,
			EnqueueDelay:   250 * time.Millisecond,
			QueueBackend:   queue.BackendAuto,
			FileMaxBytes:   queue.DefaultFileMaxBytes,
			MirrorCap:      queue.DefaultMirrorCap,
			BeaconMaxBytes: 60000,
			HTTPTimeout:    15 * time.Second,
		},
		Receiver: ReceiverConfig{
			Addr:            ":8080",
			MaxBodyBytes:    2 << 20,
			ArchiveEnabled:  true,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: storage.Config{
			Type: storage.TypeLocal,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Client.QueueDir == "" {
		c.Client.QueueDir = filepath.Join(c.DataDir, "queue")
	}
	if c.Receiver.DBPath == "" {
		c.Receiver.DBPath = filepath.Join(c.DataDir, "events.db")
	}
	if c.Storage.Type == storage.TypeLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// QueueConfig returns the durable queue configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Backend:      c.Client.QueueBackend,
		Dir:          c.Client.QueueDir,
		FileMaxBytes: c.Client.FileMaxBytes,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeClient, ModeReceiver:
	default:
		return fmt.Errorf("invalid mode: %s (must be client or receiver)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	switch c.Mode {
	case ModeClient:
		if c.Client.Endpoint == "" {
			return fmt.Errorf("client.endpoint is required")
		}
		switch c.Client.QueueBackend {
		case queue.BackendAuto, queue.BackendSQLite, queue.BackendFile:
		default:
			return fmt.Errorf("invalid queue backend: %s (must be auto, sqlite, or file)", c.Client.QueueBackend)
		}
		if c.Client.BatchSize < 1 {
			return fmt.Errorf("client.batch_size must be positive, got %d", c.Client.BatchSize)
		}
		if c.Client.MirrorCap < 1 {
			return fmt.Errorf("client.mirror_cap must be positive, got %d", c.Client.MirrorCap)
		}
		if c.Client.BeaconMaxBytes < 0 || c.Client.BeaconMaxBytes > transport.DefaultBeaconLimit {
			return fmt.Errorf("client.beacon_max_bytes must be between 0 and %d, got %d", transport.DefaultBeaconLimit, c.Client.BeaconMaxBytes)
		}
	case ModeReceiver:
		if c.Receiver.Addr == "" {
			return fmt.Errorf("receiver.addr is required")
		}
		if c.Storage.Type != storage.TypeLocal && c.Storage.Type != storage.TypeS3 {
			return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
		}
		if c.Storage.Type == storage.TypeS3 && c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required when storage type is s3")
		}
	}

	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds the process logger described by Log.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TRUSTDOORS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TRUSTDOORS_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("TRUSTDOORS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRUSTDOORS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRUSTDOORS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Client configuration
	if v := os.Getenv("TRUSTDOORS_ENDPOINT"); v != "" {
		cfg.Client.Endpoint = v
	}
	if v := os.Getenv("TRUSTDOORS_PARTICIPANT_ID"); v != "" {
		cfg.Client.ParticipantID = v
	}
	if v := os.Getenv("TRUSTDOORS_SESSION_ID"); v != "" {
		cfg.Client.SessionID = v
	}
	if v := os.Getenv("TRUSTDOORS_APP_VERSION"); v != "" {
		cfg.Client.AppVersion = v
	}
	if v := os.Getenv("TRUSTDOORS_USER_AGENT"); v != "" {
		cfg.Client.UserAgent = v
	}
	if v := os.Getenv("TRUSTDOORS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Client.BatchSize = n
		}
	}
	if v := os.Getenv("TRUSTDOORS_QUEUE_BACKEND"); v != "" {
		cfg.Client.QueueBackend = v
	}
	if v := os.Getenv("TRUSTDOORS_QUEUE_DIR"); v != "" {
		cfg.Client.QueueDir = v
	}
	if v := os.Getenv("TRUSTDOORS_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.HTTPTimeout = d
		}
	}

	// Receiver configuration
	if v := os.Getenv("TRUSTDOORS_RECEIVER_ADDR"); v != "" {
		cfg.Receiver.Addr = v
	}
	if v := os.Getenv("TRUSTDOORS_RECEIVER_DB_PATH"); v != "" {
		cfg.Receiver.DBPath = v
	}
	if v := os.Getenv("TRUSTDOORS_RECEIVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Receiver.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("TRUSTDOORS_ARCHIVE_ENABLED"); v != "" {
		cfg.Receiver.ArchiveEnabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("TRUSTDOORS_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TRUSTDOORS_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TRUSTDOORS_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("TRUSTDOORS_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("TRUSTDOORS_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("TRUSTDOORS_S3_PATH_STYLE"); v != "" {
		cfg.Storage.PathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	switch c.Mode {
	case ModeClient:
		dirs = append(dirs, c.Client.QueueDir)
	case ModeReceiver:
		dirs = append(dirs, filepath.Dir(c.Receiver.DBPath))
		if c.Storage.Type == storage.TypeLocal {
			dirs = append(dirs, c.Storage.Path)
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
