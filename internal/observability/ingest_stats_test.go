package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdoors/trustdoors/pkg/types"
)

func row(eventType, sessionID string) types.Row {
	return types.Row{types.FieldEventType: eventType, types.FieldSessionID: sessionID}
}

func TestRecordBatchConcurrent(t *testing.T) {
	s := NewIngestStats(time.Hour)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordBatch([]types.Row{row(types.EventDoorTrial, "s1"), row(types.EventSessionStart, "s1")}, 2, 0, 0)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot(10)
	assert.Equal(t, int64(1000), snap.Batches)
	assert.Equal(t, int64(2000), snap.Inserted)
	require.Len(t, snap.TopEvents, 2)
	for _, e := range snap.TopEvents {
		assert.Equal(t, int64(1000), e.Frequency)
		assert.Equal(t, 1, e.Sessions)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	s := NewIngestStats(time.Hour)
	s.RecordBatch([]types.Row{row(types.EventDoorTrial, "s1"), row(types.EventDoorTrial, "s2"), row(types.EventSessionStart, "s1")}, 2, 1, 0)
	s.RecordBatch([]types.Row{row("", "s3")}, 0, 0, 1)
	s.RecordDeletion()

	snap := s.Snapshot(1)
	assert.Equal(t, int64(2), snap.Batches)
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.Equal(t, int64(1), snap.Refused)
	assert.Equal(t, int64(1), snap.Deletions)
	require.Len(t, snap.TopEvents, 1)
	assert.Equal(t, types.EventDoorTrial, snap.TopEvents[0].EventType)
	assert.Equal(t, 2, snap.TopEvents[0].Sessions)

	assert.Empty(t, s.Snapshot(0).TopEvents)
}

func TestPrune(t *testing.T) {
	s := NewIngestStats(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RecordBatch([]types.Row{row(types.EventDoorTrial, "s1")}, 1, 0, 0)
	now = now.Add(2 * time.Minute)
	s.RecordBatch([]types.Row{row(types.EventSessionStart, "s1")}, 1, 0, 0)

	s.Prune()
	snap := s.Snapshot(10)
	require.Len(t, snap.TopEvents, 1)
	assert.Equal(t, types.EventSessionStart, snap.TopEvents[0].EventType)
	// Totals survive pruning.
	assert.Equal(t, int64(2), snap.Inserted)
}
