package http

import (
	"context"
	"net/http"
	"time"

	"github.com/trustdoors/trustdoors/internal/observability"
	"github.com/trustdoors/trustdoors/internal/receiver"
)

// StatsSource reports stored data counts.
type StatsSource interface {
	Stats(ctx context.Context) (receiver.Stats, error)
	Ping(ctx context.Context) error
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	receiver.Stats
	Ingest    *observability.Snapshot `json:"ingest,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
}

// topEventTypes bounds the per-type list in StatsResponse.
const topEventTypes = 20

// StatsHandler handles GET /v1/stats.
type StatsHandler struct {
	source StatsSource
	ingest *observability.IngestStats
}

// NewStatsHandler creates a stats handler. ingest may be nil.
func NewStatsHandler(source StatsSource, ingest *observability.IngestStats) *StatsHandler {
	return &StatsHandler{source: source, ingest: ingest}
}

// ServeHTTP handles the stats HTTP request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	stats, err := h.source.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}
	resp := StatsResponse{Stats: stats, RequestID: requestID}
	if h.ingest != nil {
		snap := h.ingest.Snapshot(topEventTypes)
		resp.Ingest = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler handles GET /health.
func HealthHandler(source StatsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := source.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
