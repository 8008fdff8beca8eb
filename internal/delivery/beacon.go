package delivery

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/transport"
)

// DefaultBeaconMaxBytes is the body ceiling for the emergency flush, kept
// below the beacon transport limit.
const DefaultBeaconMaxBytes = 60000

// BeaconSender accepts or refuses a fire-and-forget body.
type BeaconSender interface {
	TrySend(values url.Values) bool
}

// Beacon sends the mirrored tail in one fire-and-forget request at shutdown.
type Beacon struct {
	mirror    *queue.Mirror
	transport BeaconSender
	maxBytes  int
	logger    *slog.Logger
}

// sizeLimited is implemented by senders that refuse bodies above a limit.
type sizeLimited interface {
	MaxBytes() int
}

// NewBeacon creates an emergency flusher. maxBytes <= 0 uses
// DefaultBeaconMaxBytes. The ceiling never exceeds the sender's own limit
// when it reports one.
func NewBeacon(mirror *queue.Mirror, t BeaconSender, maxBytes int, logger *slog.Logger) *Beacon {
	if maxBytes <= 0 {
		maxBytes = DefaultBeaconMaxBytes
	}
	if l, ok := t.(sizeLimited); ok && l.MaxBytes() > 0 && maxBytes > l.MaxBytes() {
		maxBytes = l.MaxBytes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		mirror:    mirror,
		transport: t,
		maxBytes:  maxBytes,
		logger:    logger.With("component", "emergency_flush"),
	}
}

// FlushSync sends as many of the most recent mirrored rows as fit under the
// size ceiling, halving until they do. It returns the number of rows handed
// to the transport. It reads only the mirror and never panics.
func (b *Beacon) FlushSync() (sent int) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("emergency flush failed", "panic", fmt.Sprint(r))
			sent = 0
		}
	}()

	rows := b.mirror.Snapshot()
	for n := len(rows); n > 0; n /= 2 {
		tail := rows[len(rows)-n:]
		values, err := transport.PayloadValues(tail)
		if err != nil {
			b.logger.Warn("failed to encode emergency batch", "error", err)
			return 0
		}
		if len(values.Encode()) > b.maxBytes {
			continue
		}
		if !b.transport.TrySend(values) {
			b.logger.Warn("emergency flush refused by transport", "rows", n)
			return 0
		}
		if n < len(rows) {
			b.logger.Debug("emergency flush truncated", "sent", n, "mirrored", len(rows))
		}
		return n
	}
	if len(rows) > 0 {
		b.logger.Warn("emergency flush skipped, newest row exceeds size ceiling")
	}
	return 0
}
