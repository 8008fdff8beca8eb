package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/trustdoors/trustdoors/internal/observability"
)

// Sink is the store behind the receiver API.
type Sink interface {
	EventSink
	StatsSource
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	MaxBodyBytes int64
	Logger       *slog.Logger

	// Stats collects ingest outcomes for /v1/stats. Nil creates a tracker
	// with a one-hour window.
	Stats *observability.IngestStats

	// Wrap, when set, wraps the whole handler (for example with shutdown
	// request tracking).
	Wrap func(http.Handler) http.Handler
}

// NewRouter builds the receiver mux wrapped in the default middleware.
func NewRouter(sink Sink, opts RouterOptions) http.Handler {
	if opts.Stats == nil {
		opts.Stats = observability.NewIngestStats(time.Hour)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/log", NewLogHandler(sink, opts.MaxBodyBytes, opts.Logger).WithStats(opts.Stats))
	mux.Handle("/v1/stats", NewStatsHandler(sink, opts.Stats))
	mux.Handle("/health", HealthHandler(sink))

	handler := DefaultMiddleware(opts.Logger)(mux)
	if opts.Wrap != nil {
		handler = opts.Wrap(handler)
	}
	return handler
}
