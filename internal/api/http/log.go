package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/internal/observability"
	"github.com/trustdoors/trustdoors/internal/receiver"
	"github.com/trustdoors/trustdoors/internal/transport"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// DefaultMaxBodyBytes caps a form body.
const DefaultMaxBodyBytes = 2 << 20

// EventSink stores delivered rows and executes deletion directives.
type EventSink interface {
	Ingest(ctx context.Context, rows []types.Row) (receiver.IngestResult, error)
	DeleteParticipant(ctx context.Context, participantID string) (int64, error)
}

// LogResponse is returned for an accepted batch.
type LogResponse struct {
	OK         bool   `json:"ok"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Refused    int    `json:"refused,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// DeleteResponse is returned for a deletion directive.
type DeleteResponse struct {
	OK        bool   `json:"ok"`
	Deleted   int64  `json:"deleted"`
	RequestID string `json:"request_id,omitempty"`
}

// LogHandler handles POST /v1/log form submissions.
type LogHandler struct {
	sink         EventSink
	maxBodyBytes int64
	stats        *observability.IngestStats
	logger       *slog.Logger
}

// NewLogHandler creates a log handler. maxBodyBytes <= 0 uses
// DefaultMaxBodyBytes.
func NewLogHandler(sink EventSink, maxBodyBytes int64, logger *slog.Logger) *LogHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{
		sink:         sink,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With("component", "log_handler"),
	}
}

// WithStats records ingest outcomes into stats.
func (h *LogHandler) WithStats(stats *observability.IngestStats) *LogHandler {
	h.stats = stats
	return h
}

// ServeHTTP handles the log HTTP request.
func (h *LogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", logerr.CodeInvalidPayload, requestID)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form body: %v", err), logerr.CodeInvalidPayload, requestID)
		return
	}

	if action := r.PostForm.Get(transport.FieldAction); action != "" {
		h.handleAction(w, r, action, requestID)
		return
	}

	payload := r.PostForm.Get(transport.FieldPayload)
	if payload == "" {
		writeError(w, http.StatusBadRequest, "payload is required", logerr.CodeInvalidPayload, requestID)
		return
	}

	rows, err := types.DecodeBatch([]byte(payload))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err), logerr.CodeInvalidPayload, requestID)
		return
	}

	result, err := h.sink.Ingest(r.Context(), rows)
	if err != nil {
		h.fail(w, err, requestID)
		return
	}
	if h.stats != nil {
		h.stats.RecordBatch(rows, result.Inserted, result.Duplicates, result.Refused)
	}

	writeJSON(w, http.StatusOK, LogResponse{
		OK:         true,
		Inserted:   result.Inserted,
		Duplicates: result.Duplicates,
		Refused:    result.Refused,
		RequestID:  requestID,
	})
}

func (h *LogHandler) handleAction(w http.ResponseWriter, r *http.Request, action, requestID string) {
	if action != transport.ActionDeleteByParticipant {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action), logerr.CodeInvalidPayload, requestID)
		return
	}

	participantID := r.PostForm.Get(transport.FieldParticipantID)
	deleted, err := h.sink.DeleteParticipant(r.Context(), participantID)
	if err != nil {
		h.fail(w, err, requestID)
		return
	}
	if h.stats != nil {
		h.stats.RecordDeletion()
	}
	writeJSON(w, http.StatusOK, DeleteResponse{OK: true, Deleted: deleted, RequestID: requestID})
}

func (h *LogHandler) fail(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "request_id", requestID)
	}
	writeError(w, status, err.Error(), logerr.GetCode(err), requestID)
}

// statusFor maps an error category to an HTTP status. Retryable failures are
// reported as 503 so clients keep the batch queued.
func statusFor(err error) int {
	switch logerr.GetCategory(err) {
	case logerr.ErrCategoryValidation:
		return http.StatusBadRequest
	case logerr.ErrCategoryStorage:
		if logerr.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
