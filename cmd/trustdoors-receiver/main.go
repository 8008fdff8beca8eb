// Package main implements the trustdoors-receiver binary, the collection
// endpoint that stores delivered batches and executes deletion directives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/trustdoors/trustdoors/internal/app"
	"github.com/trustdoors/trustdoors/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_ = godotenv.Load()

	var (
		configFile  string
		dataDir     string
		addr        string
		dbPath      string
		storageType string
		noArchive   bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&addr, "addr", "", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "", "Path to the events database")
	flag.StringVar(&storageType, "storage", "", "Archive storage type: local, s3")
	flag.BoolVar(&noArchive, "no-archive", false, "Disable archiving of accepted batches")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "trustdoors-receiver - collection endpoint for trust doors event logs\n\n")
		fmt.Fprintf(os.Stderr, "Usage: trustdoors-receiver [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TRUSTDOORS_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TRUSTDOORS_RECEIVER_ADDR   HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  TRUSTDOORS_STORAGE_TYPE    Archive storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTDOORS_S3_BUCKET       Archive bucket for s3 storage\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("trustdoors-receiver version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Command line flags take highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if addr != "" {
		cfg.Receiver.Addr = addr
	}
	if dbPath != "" {
		cfg.Receiver.DBPath = dbPath
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if noArchive {
		cfg.Receiver.ArchiveEnabled = false
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	receiver, err := app.NewReceiver(cfg, logger)
	if err != nil {
		logger.Error("failed to create receiver", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := receiver.Start(ctx); err != nil {
		logger.Error("failed to start receiver", "error", err)
		os.Exit(1)
	}
	logger.Info("trustdoors-receiver running", "version", version, "addr", receiver.Addr())

	if err := receiver.ShutdownManager().ListenForSignals(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := receiver.Stop(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, then environment.
func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	cfg.Mode = config.ModeReceiver
	return cfg, nil
}
