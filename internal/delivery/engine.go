// Package delivery drains the durable queue to the receiver and performs the
// best-effort emergency flush at shutdown.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// Defaults for the drain loop.
const (
	DefaultBatchSize = 25
	BackoffBase      = 500 * time.Millisecond
	BackoffMax       = 30 * time.Second
)

// BackoffDelay returns min(BackoffMax, BackoffBase * 2^n).
func BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 500ms << 6 already exceeds the cap; larger shifts would overflow.
	if n >= 6 {
		return BackoffMax
	}
	d := BackoffBase << uint(n)
	if d > BackoffMax {
		return BackoffMax
	}
	return d
}

// Sender delivers one batch of rows.
type Sender interface {
	Send(ctx context.Context, rows []types.Row) error
}

// Discarder reports whether the session has been withdrawn.
type Discarder interface {
	Discarding() bool
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Stats reports delivery progress.
type Stats struct {
	Retries     int   `json:"retries"`
	BatchesSent int64 `json:"batches_sent"`
	RowsSent    int64 `json:"rows_sent"`
	Failures    int64 `json:"failures"`
	Pending     bool  `json:"pending"`
}

// Options configures an Engine.
type Options struct {
	BatchSize int
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Engine owns the single-flight drain loop and its retry timer.
type Engine struct {
	queue     *queue.Queue
	sender    Sender
	discard   Discarder
	sched     Scheduler
	batchSize int
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    Timer
	flushing bool
	again    bool
	stats    Stats
}

// NewEngine creates an engine draining q through sender. discard may be nil.
func NewEngine(q *queue.Queue, sender Sender, discard Discarder, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Scheduler == nil {
		opts.Scheduler = wallScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:     q,
		sender:    sender,
		discard:   discard,
		sched:     opts.Scheduler,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With("component", "delivery"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *Engine) discarding() bool {
	return e.discard != nil && e.discard.Discarding()
}

// ScheduleFlush arms the flush timer. While a timer is pending further calls
// are no-ops, so the first scheduled delay wins.
func (e *Engine) ScheduleFlush(delay time.Duration) {
	if e.discarding() || e.ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		return
	}
	e.timer = e.sched.AfterFunc(delay, func() {
		e.mu.Lock()
		e.timer = nil
		e.mu.Unlock()
		e.FlushQueue(e.ctx)
	})
}

// FlushQueue drains the queue in batches until it is empty or a send fails.
// Only one drain runs at a time; a call made during a drain makes the running
// drain check the queue once more before it stops.
func (e *Engine) FlushQueue(ctx context.Context) {
	if e.discarding() {
		return
	}

	e.mu.Lock()
	if e.flushing {
		e.again = true
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.again = false
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	for {
		if e.discarding() || ctx.Err() != nil {
			return
		}

		entries, err := e.queue.ReadBatch(ctx, e.batchSize)
		if err != nil {
			e.logger.Warn("failed to read batch", "error", err)
			e.fail()
			return
		}

		if len(entries) == 0 {
			e.mu.Lock()
			rerun := e.again
			e.again = false
			if !rerun {
				e.stats.Retries = 0
			}
			e.mu.Unlock()
			if rerun {
				continue
			}
			e.queue.Mirror().Clear()
			return
		}

		rows := make([]types.Row, len(entries))
		for i, entry := range entries {
			rows[i] = entry.Row
		}

		if err := e.sender.Send(ctx, rows); err != nil {
			e.logger.Warn("batch delivery failed", "rows", len(rows), "error", err)
			e.fail()
			return
		}

		if err := e.queue.DeleteEntries(ctx, entries); err != nil {
			// The batch was delivered; it will be resent and deduplicated.
			e.logger.Warn("failed to delete delivered entries", "rows", len(entries), "error", err)
			e.fail()
			return
		}
		e.queue.Mirror().TrimHead(len(entries))

		e.mu.Lock()
		e.stats.Retries = 0
		e.stats.BatchesSent++
		e.stats.RowsSent += int64(len(entries))
		e.mu.Unlock()
	}
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.stats.Retries++
	e.stats.Failures++
	retries := e.stats.Retries
	e.mu.Unlock()

	delay := BackoffDelay(retries)
	e.logger.Debug("scheduling retry", "retries", retries, "delay", delay)
	e.ScheduleFlush(delay)
}

// Stats returns a snapshot of delivery counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Pending = e.timer != nil
	return s
}

// Stop cancels the pending timer, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Close stops the engine. Running and future flushes triggered by the timer
// observe a cancelled context.
func (e *Engine) Close() {
	e.cancel()
	e.Stop()
}
