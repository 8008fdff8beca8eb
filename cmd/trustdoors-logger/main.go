// Package main implements the trustdoors-logger binary. It reads raw trial
// results as JSON lines from a file or stdin and records them through the
// event logger, delivering them to the configured receiver.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trustdoors/trustdoors/internal/app"
	"github.com/trustdoors/trustdoors/internal/config"
	"github.com/trustdoors/trustdoors/internal/eventlog"
	"github.com/trustdoors/trustdoors/internal/server"
	"github.com/trustdoors/trustdoors/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

const maxLineBytes = 1 << 20

func main() {
	_ = godotenv.Load()

	var (
		configFile    string
		dataDir       string
		endpoint      string
		participantID string
		input         string
		backend       string
		withdraw      bool
		printStats    bool
		showVersion   bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the durable queue")
	flag.StringVar(&endpoint, "endpoint", "", "Receiver URL")
	flag.StringVar(&participantID, "participant", "", "Participant identifier")
	flag.StringVar(&input, "input", "-", "JSON lines file of raw trial results, - for stdin")
	flag.StringVar(&backend, "queue", "", "Queue backend: auto, sqlite, file")
	flag.BoolVar(&withdraw, "withdraw", false, "Withdraw the participant and request remote deletion")
	flag.BoolVar(&printStats, "stats", false, "Print delivery statistics as JSON on exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("trustdoors-logger version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if endpoint != "" {
		cfg.Client.Endpoint = endpoint
	}
	if participantID != "" {
		cfg.Client.ParticipantID = participantID
	}
	if backend != "" {
		cfg.Client.QueueBackend = backend
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if withdraw {
		if err := checkWithdraw(cfg); err != nil {
			logger.Error("cannot withdraw", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := app.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start logger", "error", err)
		os.Exit(1)
	}
	events := client.Logger()

	sm := server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: 15 * time.Second,
		Logger:          logger,
	})
	sm.RegisterCloser(client)
	sm.OnShutdown("beacons", events.Wait)

	if withdraw {
		if err := events.Withdraw(ctx); err != nil {
			logger.Error("withdrawal incomplete", "error", err)
		}
		if err := sm.Shutdown(context.Background(), "withdrawn"); err != nil {
			logger.Error("shutdown error", "error", err)
			os.Exit(1)
		}
		return
	}

	in, closeIn, err := openInput(input)
	if err != nil {
		logger.Error("failed to open input", "error", err)
		os.Exit(1)
	}
	defer closeIn()

	done := make(chan error, 1)
	go func() { done <- record(ctx, events, in, logger) }()

	var reason string
	select {
	case err := <-done:
		if err != nil {
			logger.Error("failed to read input", "error", err)
		}
		// Input exhausted: drain what is still queued while the receiver is reachable.
		events.FlushQueue(ctx)
		reason = "input exhausted"
	case <-ctx.Done():
		sent := events.OnPageHide()
		logger.Info("emergency flush", "rows", sent)
		reason = "interrupted"
	}

	stats := events.Stats()
	if err := sm.Shutdown(context.Background(), reason); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if printStats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(stats)
	}
}

// checkWithdraw rejects a withdrawal without an explicit participant ID.
func checkWithdraw(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Client.ParticipantID) == "" {
		return fmt.Errorf("-withdraw requires -participant or client.participant_id")
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// record logs one raw trial result per input line. Malformed lines are
// skipped.
func record(ctx context.Context, events *eventlog.Logger, in io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var raw types.RawResult
		if err := json.Unmarshal(text, &raw); err != nil {
			logger.Warn("skipping malformed line", "line", line, "error", err)
			continue
		}
		if !events.LogTrialRow(ctx, raw) {
			logger.Debug("trial not logged", "line", line, "trial_type", raw["trial_type"])
		}
	}
	return scanner.Err()
}
