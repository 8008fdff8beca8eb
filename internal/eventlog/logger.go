// Package eventlog is the facade the experiment uses to record trial results.
// It ties the normalizer, the durable queue, the delivery engine and the
// withdrawal path to one session and exposes the process lifecycle hooks.
package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/trustdoors/trustdoors/internal/delivery"
	"github.com/trustdoors/trustdoors/internal/normalize"
	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/session"
	"github.com/trustdoors/trustdoors/internal/transport"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// DefaultEnqueueDelay is the flush delay armed after each enqueue.
const DefaultEnqueueDelay = 250 * time.Millisecond

// Options configures a Logger.
type Options struct {
	// Endpoint is the receiver URL for batches and directives.
	Endpoint string

	BatchSize      int
	EnqueueDelay   time.Duration
	BeaconMaxBytes int

	// Beacon configures the fire-and-forget transport used at shutdown and
	// for deletion directives. Its Logger defaults to Logger.
	Beacon transport.BeaconOptions

	// Client is used for batch delivery. Nil uses transport.NewClient.
	Client    *http.Client
	Scheduler delivery.Scheduler
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Logger records events for one session.
type Logger struct {
	session    *session.Session
	normalizer *normalize.Normalizer
	queue      *queue.Queue
	engine     *delivery.Engine
	emergency  *delivery.Beacon
	beacon     *transport.Beacon
	keepalive  *transport.Keepalive

	enqueueDelay time.Duration
	logger       *slog.Logger
}

// New creates a logger for sess that persists to q and delivers to
// opts.Endpoint.
func New(sess *session.Session, q *queue.Queue, opts Options) *Logger {
	if opts.EnqueueDelay <= 0 {
		opts.EnqueueDelay = DefaultEnqueueDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	normOpts := []normalize.Option{normalize.WithLogger(opts.Logger)}
	if opts.Clock != nil {
		normOpts = append(normOpts, normalize.WithClock(opts.Clock))
	}

	sender := transport.NewFormSender(opts.Endpoint, opts.Client, opts.Logger)
	if opts.Beacon.Logger == nil {
		opts.Beacon.Logger = opts.Logger
	}
	beacon := transport.NewBeacon(opts.Endpoint, opts.Beacon)

	return &Logger{
		session:    sess,
		normalizer: normalize.New(sess, normOpts...),
		queue:      q,
		engine: delivery.NewEngine(q, sender, sess, delivery.Options{
			BatchSize: opts.BatchSize,
			Scheduler: opts.Scheduler,
			Logger:    opts.Logger,
		}),
		emergency:    delivery.NewBeacon(q.Mirror(), beacon, opts.BeaconMaxBytes, opts.Logger),
		beacon:       beacon,
		keepalive:    transport.NewKeepalive(opts.Endpoint, nil, opts.Logger),
		enqueueDelay: opts.EnqueueDelay,
		logger:       opts.Logger.With("component", "eventlog", "session_id", sess.ID()),
	}
}

// Session returns the bound session.
func (l *Logger) Session() *session.Session { return l.session }

// LogTrialRow normalizes one raw result and enqueues it. It reports whether a
// row was enqueued.
func (l *Logger) LogTrialRow(ctx context.Context, raw types.RawResult) bool {
	if l.session.Discarding() {
		return false
	}
	row, ok := l.normalizer.NormalizeOne(raw)
	if !ok {
		return false
	}
	return l.LogEnqueue(ctx, []types.Row{row}) > 0
}

// LogEnqueue enqueues already-normalized rows and arms a delivery. Rows
// without an allow-listed event type are dropped. It returns the number of
// rows enqueued.
func (l *Logger) LogEnqueue(ctx context.Context, rows []types.Row) int {
	if l.session.Discarding() {
		return 0
	}

	accepted := make([]types.Row, 0, len(rows))
	for _, row := range rows {
		if row == nil || !types.IsAllowedEvent(row.EventType()) {
			l.logger.Warn("dropping row outside allow-list", "event_type", row.EventType())
			continue
		}
		if row.SessionID() == "" {
			row[types.FieldSessionID] = l.session.ID()
		}
		if row.ParticipantID() == "" {
			row[types.FieldParticipantID] = l.session.ParticipantID()
		}
		accepted = append(accepted, row)
	}
	if len(accepted) == 0 {
		return 0
	}

	l.queue.Enqueue(ctx, accepted)
	l.engine.ScheduleFlush(l.enqueueDelay)
	return len(accepted)
}

// FlushQueue drains the queue now.
func (l *Logger) FlushQueue(ctx context.Context) {
	l.engine.FlushQueue(ctx)
}

// OnOnline is called when connectivity returns.
func (l *Logger) OnOnline() {
	l.engine.ScheduleFlush(0)
}

// OnHidden is called when the process is backgrounded.
func (l *Logger) OnHidden() {
	l.engine.ScheduleFlush(0)
}

// OnPageHide is called at shutdown. It hands the mirrored tail to the beacon
// transport and returns without waiting; use Wait to let beacons finish.
func (l *Logger) OnPageHide() int {
	if l.session.Discarding() {
		return 0
	}
	return l.emergency.FlushSync()
}

// ClearLocalQueue empties the mirror and the durable store.
func (l *Logger) ClearLocalQueue(ctx context.Context) error {
	return l.queue.Clear(ctx)
}

// RequestDeleteByParticipant asks the receiver to delete every row for the
// participant. It is fire-and-forget and never retried.
func (l *Logger) RequestDeleteByParticipant(ctx context.Context, participantID string) {
	values := transport.DeleteValues(participantID)
	if l.beacon.TrySend(values) {
		return
	}
	l.keepalive.Send(values)
}

// Withdraw enters discard mode, then clears local data and requests remote
// deletion for the session's participant.
func (l *Logger) Withdraw(ctx context.Context) error {
	l.session.Discard()
	l.engine.Stop()

	err := l.ClearLocalQueue(ctx)
	if err != nil {
		l.logger.Warn("failed to clear local queue", "error", err)
	}
	l.RequestDeleteByParticipant(ctx, l.session.ParticipantID())
	l.logger.Info("participant withdrawn", "participant_id", l.session.ParticipantID())
	return err
}

// Wait blocks until in-flight beacons and keepalive requests finish.
func (l *Logger) Wait(ctx context.Context) error {
	return errors.Join(l.beacon.Wait(ctx), l.keepalive.Wait(ctx))
}

// Stats reports queue and delivery state.
type Stats struct {
	Queue    queue.Stats    `json:"queue"`
	Delivery delivery.Stats `json:"delivery"`
	Mirrored int            `json:"mirrored"`
}

// Stats returns a snapshot of logger counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Queue:    l.queue.Stats(),
		Delivery: l.engine.Stats(),
		Mirrored: l.queue.Mirror().Len(),
	}
}

// Close stops delivery and closes the queue.
func (l *Logger) Close() error {
	l.engine.Close()
	return l.queue.Close()
}
