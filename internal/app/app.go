// Package app wires configuration into running components for the receiver
// and logger binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/trustdoors/trustdoors/internal/api/http"
	"github.com/trustdoors/trustdoors/internal/config"
	"github.com/trustdoors/trustdoors/internal/observability"
	"github.com/trustdoors/trustdoors/internal/receiver"
	"github.com/trustdoors/trustdoors/internal/server"
	"github.com/trustdoors/trustdoors/internal/storage"
)

// Receiver manages the collection endpoint lifecycle.
type Receiver struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources
	storage  storage.ObjectStorage
	sink     *receiver.Sink
	stats    *observability.IngestStats
	shutdown *server.ShutdownManager

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error

	// Lifecycle
	mu      sync.Mutex
	running bool
}

// NewReceiver creates a receiver with the given configuration.
func NewReceiver(cfg *config.Config, logger *slog.Logger) (*Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Mode = config.ModeReceiver

	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &Receiver{
		cfg:    cfg,
		logger: logger.With("component", "app"),
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			ShutdownTimeout: cfg.Receiver.ShutdownTimeout,
			Logger:          logger,
		}),
		stats:    observability.NewIngestStats(time.Hour),
		serveErr: make(chan error, 1),
	}, nil
}

// Start opens the archive and the event store and begins serving.
func (a *Receiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("receiver is already running")
	}

	var archive *receiver.Archive
	if a.cfg.Receiver.ArchiveEnabled {
		store, err := storage.Open(ctx, a.cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.storage = store
		archive = receiver.NewArchive(store, a.logger)
		a.logger.Info("archive initialized", "type", a.cfg.Storage.Type, "path", a.cfg.Storage.Path, "bucket", a.cfg.Storage.S3Bucket)
	}

	sink, err := receiver.OpenSink(ctx, a.cfg.Receiver.DBPath, archive, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	a.sink = sink
	a.shutdown.RegisterCloser(sink)

	ln, err := net.Listen("tcp", a.cfg.Receiver.Addr)
	if err != nil {
		sink.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Receiver.Addr, err)
	}
	a.listener = ln

	a.httpServer = &http.Server{
		Handler: httpapi.NewRouter(sink, httpapi.RouterOptions{
			MaxBodyBytes: a.cfg.Receiver.MaxBodyBytes,
			Logger:       a.logger,
			Stats:        a.stats,
			Wrap:         server.ShutdownMiddleware(a.shutdown),
		}),
		ReadTimeout:  a.cfg.Receiver.ReadTimeout,
		WriteTimeout: a.cfg.Receiver.WriteTimeout,
		IdleTimeout:  a.cfg.Receiver.IdleTimeout,
	}

	go func() {
		a.serveErr <- a.shutdown.Serve(a.httpServer, ln)
	}()
	go a.pruneStats()

	a.running = true
	a.logger.Info("receiver started", "addr", ln.Addr().String(), "db", a.cfg.Receiver.DBPath)
	return nil
}

func (a *Receiver) pruneStats() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.stats.Prune()
		case <-a.shutdown.ShutdownCh():
			return
		}
	}
}

// Addr returns the bound listen address, or "" before Start.
func (a *Receiver) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Sink returns the event store, or nil before Start.
func (a *Receiver) Sink() *receiver.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

// ShutdownManager returns the lifecycle manager so callers can listen for
// signals or register extra hooks.
func (a *Receiver) ShutdownManager() *server.ShutdownManager {
	return a.shutdown
}

// Stop drains requests, stops the server and closes the event store.
func (a *Receiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if serveErr := <-a.serveErr; serveErr != nil && err == nil {
		err = serveErr
	}
	a.logger.Info("receiver stopped")
	return err
}
