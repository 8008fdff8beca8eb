package queue

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/trustdoors/trustdoors/pkg/types"
)

// Stats reports queue activity.
type Stats struct {
	Enqueued    int64  `json:"enqueued"`
	StoreErrors int64  `json:"store_errors"`
	Backend     string `json:"backend"`
}

// Queue pairs a durable store with the tail mirror. Enqueue never fails: a
// store error is logged and the rows survive in the mirror only.
type Queue struct {
	store  Store
	mirror *Mirror
	logger *slog.Logger

	enqueued    atomic.Int64
	storeErrors atomic.Int64
}

// New creates a queue over store with a mirror of mirrorCap rows.
func New(store Store, mirrorCap int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		mirror: NewMirror(mirrorCap),
		logger: logger.With("component", "queue", "backend", store.Backend()),
	}
}

// Enqueue mirrors the rows and persists them.
func (q *Queue) Enqueue(ctx context.Context, rows []types.Row) {
	if len(rows) == 0 {
		return
	}
	q.mirror.Append(rows...)
	q.enqueued.Add(int64(len(rows)))

	if err := q.store.Enqueue(ctx, rows); err != nil {
		q.storeErrors.Add(1)
		q.logger.Warn("failed to persist rows", "rows", len(rows), "error", err)
	}
}

// ReadBatch reads up to limit entries from the store head.
func (q *Queue) ReadBatch(ctx context.Context, limit int) ([]Entry, error) {
	return q.store.ReadBatch(ctx, limit)
}

// DeleteEntries removes delivered entries from the store.
func (q *Queue) DeleteEntries(ctx context.Context, entries []Entry) error {
	return q.store.DeleteEntries(ctx, entries)
}

// Clear empties the mirror and the store.
func (q *Queue) Clear(ctx context.Context) error {
	q.mirror.Clear()
	return q.store.Clear(ctx)
}

// Len returns the number of rows in the store.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Mirror returns the tail mirror.
func (q *Queue) Mirror() *Mirror { return q.mirror }

// Backend names the active store backend.
func (q *Queue) Backend() string { return q.store.Backend() }

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:    q.enqueued.Load(),
		StoreErrors: q.storeErrors.Load(),
		Backend:     q.store.Backend(),
	}
}

// Close closes the store.
func (q *Queue) Close() error {
	return q.store.Close()
}
