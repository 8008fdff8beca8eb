package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustdoors/trustdoors/internal/config"
	"github.com/trustdoors/trustdoors/internal/eventlog"
	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/session"
	"github.com/trustdoors/trustdoors/internal/transport"
)

// Client owns the durable queue and the event logger of one session.
type Client struct {
	queue  *queue.Queue
	logger *eventlog.Logger
}

// NewClient opens the queue and binds a new session to it. Rows persisted by
// an earlier run stay queued and are delivered by this session's engine.
func NewClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Mode = config.ModeClient

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	sess, err := session.New(session.Options{
		SessionID:     cfg.Client.SessionID,
		ParticipantID: cfg.Client.ParticipantID,
		AppVersion:    cfg.Client.AppVersion,
		UserAgent:     cfg.Client.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	store, err := queue.Open(ctx, cfg.QueueConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	q := queue.New(store, cfg.Client.MirrorCap, logger)

	l := eventlog.New(sess, q, eventlog.Options{
		Endpoint:       cfg.Client.Endpoint,
		BatchSize:      cfg.Client.BatchSize,
		EnqueueDelay:   cfg.Client.EnqueueDelay,
		BeaconMaxBytes: cfg.Client.BeaconMaxBytes,
		Client:         transport.NewClient(cfg.Client.HTTPTimeout),
		Logger:         logger,
	})

	logger.Info("client started",
		"component", "app",
		"session_id", sess.ID(),
		"participant_id", sess.ParticipantID(),
		"backend", q.Backend(),
		"endpoint", cfg.Client.Endpoint)

	// Resume delivery of rows left by an earlier run.
	l.OnOnline()

	return &Client{queue: q, logger: l}, nil
}

// Logger returns the session's event logger.
func (c *Client) Logger() *eventlog.Logger { return c.logger }

// Backend names the active queue backend.
func (c *Client) Backend() string { return c.queue.Backend() }

// Close stops delivery and closes the queue.
func (c *Client) Close() error {
	return c.logger.Close()
}
