package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const keepaliveTimeout = 10 * time.Second

// Keepalive sends a POST that is detached from the caller's lifetime. It is
// the fallback for directives the beacon refuses.
type Keepalive struct {
	endpoint string
	client   *http.Client
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewKeepalive creates a keepalive transport. A nil client uses NewClient.
func NewKeepalive(endpoint string, client *http.Client, logger *slog.Logger) *Keepalive {
	if client == nil {
		client = NewClient(keepaliveTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With("component", "keepalive"),
	}
}

// Send dispatches values and returns immediately. Errors are logged only.
func (k *Keepalive) Send(values url.Values) {
	body := values.Encode()
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint, strings.NewReader(body))
		if err != nil {
			k.logger.Warn("failed to build keepalive request", "error", err)
			return
		}
		req.Header.Set("Content-Type", contentTypeForm)
		req.Header.Set("Connection", "keep-alive")

		resp, err := k.client.Do(req)
		if err != nil {
			k.logger.Warn("keepalive request failed", "error", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if !Accepted(resp.StatusCode) {
			k.logger.Warn("keepalive request rejected", "status", resp.StatusCode)
		}
	}()
}

// Wait blocks until every dispatched request finishes or ctx is done.
func (k *Keepalive) Wait(ctx context.Context) error {
	return waitGroup(ctx, &k.wg)
}
