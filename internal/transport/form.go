// Package transport sends event batches and control directives to the
// receiver over form-encoded HTTP POSTs.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// Form field names understood by the receiver.
const (
	FieldPayload       = "payload"
	FieldAction        = "action"
	FieldParticipantID = "participant_id"

	ActionDeleteByParticipant = "delete_by_participant"

	contentTypeForm = "application/x-www-form-urlencoded"
)

// DefaultTimeout bounds a single batch POST.
const DefaultTimeout = 15 * time.Second

// PayloadValues builds the form body payload={"rows":[...]}.
func PayloadValues(rows []types.Row) (url.Values, error) {
	data, err := types.EncodeBatch(rows)
	if err != nil {
		return nil, logerr.NewValidationError(logerr.CodeInvalidPayload, fmt.Sprintf("failed to encode batch: %v", err))
	}
	return url.Values{FieldPayload: {string(data)}}, nil
}

// DeleteValues builds the participant deletion directive.
func DeleteValues(participantID string) url.Values {
	return url.Values{
		FieldAction:        {ActionDeleteByParticipant},
		FieldParticipantID: {participantID},
	}
}

// NewClient returns an HTTP client that never follows redirects, so a 3xx
// from the receiver is observed as-is.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Accepted reports whether a receiver status counts as delivered.
func Accepted(status int) bool {
	return status >= 200 && status < 400
}

// FormSender is the primary batch transport.
type FormSender struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewFormSender creates a sender for endpoint. A nil client uses NewClient.
func NewFormSender(endpoint string, client *http.Client, logger *slog.Logger) *FormSender {
	if client == nil {
		client = NewClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FormSender{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With("component", "transport"),
	}
}

// Send posts one batch. It returns nil on 2xx or 3xx.
func (s *FormSender) Send(ctx context.Context, rows []types.Row) error {
	values, err := PayloadValues(rows)
	if err != nil {
		return err
	}
	return s.post(ctx, values)
}

// SendValues posts an arbitrary form body.
func (s *FormSender) SendValues(ctx context.Context, values url.Values) error {
	return s.post(ctx, values)
}

func (s *FormSender) post(ctx context.Context, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return logerr.NewTransportError(logerr.CodeSendFailed, "failed to build request", err)
	}
	req.Header.Set("Content-Type", contentTypeForm)

	resp, err := s.client.Do(req)
	if err != nil {
		return logerr.NewTransportError(logerr.CodeSendFailed, "request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !Accepted(resp.StatusCode) {
		return logerr.NewTransportError(logerr.CodeStatusRejected,
			fmt.Sprintf("receiver responded %d", resp.StatusCode), nil).
			WithDetails(map[string]interface{}{"status": resp.StatusCode})
	}
	s.logger.Debug("batch delivered", "status", resp.StatusCode)
	return nil
}
