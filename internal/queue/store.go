// Package queue provides the durable local delivery queue: an append-only
// store with a transactional primary backend, a flat-file fallback, and the
// in-memory tail mirror used by the emergency flush.
package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/trustdoors/trustdoors/pkg/types"
)

// Backend names.
const (
	BackendAuto   = "auto"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Entry wraps a queued row with its store-assigned identifier.
type Entry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Row       types.Row `json:"row"`
}

// Store abstracts the persistent queue. All backends keep FIFO order by
// insertion.
//
// ReadBatch and DeleteEntries must be called as a matched pair from the head
// of the queue: the entries passed to DeleteEntries are exactly those the
// preceding ReadBatch returned, with no other ReadBatch in between. The file
// backend relies on this and deletes positionally.
type Store interface {
	// Enqueue appends rows. Rows are durable when it returns nil.
	Enqueue(ctx context.Context, rows []types.Row) error

	// ReadBatch returns up to limit entries from the head without removing them.
	ReadBatch(ctx context.Context, limit int) ([]Entry, error)

	// DeleteEntries permanently removes previously read entries.
	DeleteEntries(ctx context.Context, entries []Entry) error

	// Clear empties the queue.
	Clear(ctx context.Context) error

	// Len returns the number of queued entries.
	Len(ctx context.Context) (int, error)

	// Backend names the active implementation.
	Backend() string

	Close() error
}

// Config selects and sizes the store backend.
type Config struct {
	// Backend is auto, sqlite, or file.
	Backend string

	// Dir holds the backend files.
	Dir string

	// FileMaxBytes caps the fallback file size.
	FileMaxBytes int64
}

// Open probes the primary backend and falls back to the file store when it
// cannot be initialized. The fallback is invisible to callers.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue")

	switch cfg.Backend {
	case BackendFile:
		return openFile(cfg)
	case BackendSQLite:
		return openSQLite(ctx, cfg)
	}

	primary, err := openSQLite(ctx, cfg)
	if err == nil {
		return primary, nil
	}
	logger.Warn("primary queue backend unavailable, using file fallback", "error", err)
	return openFile(cfg)
}

func openSQLite(ctx context.Context, cfg Config) (Store, error) {
	s, err := NewSQLiteStore(ctx, filepath.Join(cfg.Dir, "queue.db"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openFile(cfg Config) (Store, error) {
	s, err := NewFileStore(filepath.Join(cfg.Dir, "queue.json"), cfg.FileMaxBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
