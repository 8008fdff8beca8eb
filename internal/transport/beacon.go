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

	"golang.org/x/sync/semaphore"
)

// Beacon limits.
const (
	DefaultBeaconLimit    = 64 << 10
	DefaultBeaconInFlight = 4
	beaconTimeout         = 10 * time.Second
)

// BeaconOptions configures a Beacon.
type BeaconOptions struct {
	// MaxBytes is the largest encoded body accepted.
	MaxBytes int

	// MaxInFlight is the number of concurrent beacons.
	MaxInFlight int64

	Client *http.Client
	Logger *slog.Logger
}

// Beacon queues small fire-and-forget POSTs that outlive the caller. It
// refuses payloads it cannot accept instead of blocking.
type Beacon struct {
	endpoint string
	maxBytes int
	client   *http.Client
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewBeacon creates a beacon transport for endpoint.
func NewBeacon(endpoint string, opts BeaconOptions) *Beacon {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultBeaconLimit
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultBeaconInFlight
	}
	if opts.Client == nil {
		opts.Client = NewClient(beaconTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Beacon{
		endpoint: endpoint,
		maxBytes: opts.MaxBytes,
		client:   opts.Client,
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		logger:   opts.Logger.With("component", "beacon"),
	}
}

// MaxBytes returns the accepted body ceiling.
func (b *Beacon) MaxBytes() int { return b.maxBytes }

// TrySend queues values for delivery. It returns false, without sending,
// when the body is too large or too many beacons are in flight.
func (b *Beacon) TrySend(values url.Values) bool {
	body := values.Encode()
	if len(body) > b.maxBytes {
		return false
	}
	if !b.sem.TryAcquire(1) {
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		b.deliver(body)
	}()
	return true
}

func (b *Beacon) deliver(body string) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(body))
	if err != nil {
		b.logger.Warn("failed to build beacon", "error", err)
		return
	}
	req.Header.Set("Content-Type", contentTypeForm)

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("beacon failed", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !Accepted(resp.StatusCode) {
		b.logger.Warn("beacon rejected", "status", resp.StatusCode)
	}
}

// Wait blocks until every queued beacon finishes or ctx is done.
func (b *Beacon) Wait(ctx context.Context) error {
	return waitGroup(ctx, &b.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
