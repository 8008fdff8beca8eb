// Package observability tracks receiver ingest statistics: batch outcome
// totals and per-event-type frequency over a sliding window.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/trustdoors/trustdoors/pkg/types"
)

// IngestStats records what the receiver has accepted.
type IngestStats struct {
	mu        sync.RWMutex
	eventFreq map[string]*EventStats
	window    time.Duration
	now       func() time.Time

	batches    int64
	inserted   int64
	duplicates int64
	refused    int64
	deletions  int64
}

// EventStats holds statistics for one event type.
type EventStats struct {
	EventType string    `json:"event_type"`
	Frequency int64     `json:"frequency"`
	LastSeen  time.Time `json:"last_seen"`

	// Sessions counts distinct sessions seen for the type within the window.
	Sessions int `json:"sessions"`

	sessions map[string]struct{}
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	Batches    int64        `json:"batches"`
	Inserted   int64        `json:"inserted"`
	Duplicates int64        `json:"duplicates"`
	Refused    int64        `json:"refused"`
	Deletions  int64        `json:"deletions"`
	TopEvents  []EventStats `json:"top_events"`
}

// NewIngestStats creates a tracker. Per-type entries unseen for window are
// dropped by Prune.
func NewIngestStats(window time.Duration) *IngestStats {
	return &IngestStats{
		eventFreq: make(map[string]*EventStats),
		window:    window,
		now:       time.Now,
	}
}

// RecordBatch records one accepted batch and its ingest outcome.
func (s *IngestStats) RecordBatch(rows []types.Row, inserted, duplicates, refused int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches++
	s.inserted += int64(inserted)
	s.duplicates += int64(duplicates)
	s.refused += int64(refused)

	now := s.now()
	for _, row := range rows {
		eventType := row.EventType()
		if eventType == "" {
			continue
		}
		stats, exists := s.eventFreq[eventType]
		if !exists {
			stats = &EventStats{EventType: eventType, sessions: make(map[string]struct{})}
			s.eventFreq[eventType] = stats
		}
		stats.Frequency++
		stats.LastSeen = now
		if sid := row.SessionID(); sid != "" {
			stats.sessions[sid] = struct{}{}
		}
	}
}

// RecordDeletion records an executed deletion directive.
func (s *IngestStats) RecordDeletion() {
	s.mu.Lock()
	s.deletions++
	s.mu.Unlock()
}

// Snapshot returns the totals and the n most frequent event types.
func (s *IngestStats) Snapshot(n int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Batches:    s.batches,
		Inserted:   s.inserted,
		Duplicates: s.duplicates,
		Refused:    s.refused,
		Deletions:  s.deletions,
		TopEvents:  []EventStats{},
	}
	if n <= 0 {
		return snap
	}

	for _, e := range s.eventFreq {
		snap.TopEvents = append(snap.TopEvents, EventStats{
			EventType: e.EventType,
			Frequency: e.Frequency,
			LastSeen:  e.LastSeen,
			Sessions:  len(e.sessions),
		})
	}
	sort.Slice(snap.TopEvents, func(i, j int) bool {
		if snap.TopEvents[i].Frequency != snap.TopEvents[j].Frequency {
			return snap.TopEvents[i].Frequency > snap.TopEvents[j].Frequency
		}
		return snap.TopEvents[i].EventType < snap.TopEvents[j].EventType
	})
	if n < len(snap.TopEvents) {
		snap.TopEvents = snap.TopEvents[:n]
	}
	return snap
}

// Prune removes event types not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (s *IngestStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for eventType, stats := range s.eventFreq {
		if stats.LastSeen.Before(threshold) {
			delete(s.eventFreq, eventType)
		}
	}
}
