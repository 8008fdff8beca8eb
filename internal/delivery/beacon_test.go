package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/internal/transport"
	"github.com/trustdoors/trustdoors/pkg/types"
)

type captureBeacon struct {
	accept bool
	sent   []url.Values
}

func (c *captureBeacon) TrySend(values url.Values) bool {
	if !c.accept {
		return false
	}
	c.sent = append(c.sent, values)
	return true
}

func (c *captureBeacon) rowIDs(t *testing.T, i int) []string {
	t.Helper()
	rows, err := types.DecodeBatch([]byte(c.sent[i].Get(transport.FieldPayload)))
	require.NoError(t, err)
	ids := make([]string, len(rows))
	for j, r := range rows {
		ids[j] = r.RowID()
	}
	return ids
}

// limitedBeacon refuses bodies above limit, like the HTTP beacon transport.
type limitedBeacon struct {
	captureBeacon
	limit int
}

func (l *limitedBeacon) MaxBytes() int { return l.limit }

func (l *limitedBeacon) TrySend(values url.Values) bool {
	if len(values.Encode()) > l.limit {
		return false
	}
	return l.captureBeacon.TrySend(values)
}

func mirrorWith(n, blobSize int) *queue.Mirror {
	m := queue.NewMirror(0)
	for i := 1; i <= n; i++ {
		m.Append(types.Row{
			types.FieldRowID:     fmt.Sprintf("s:%d", i),
			types.FieldEventType: types.EventDoorTrial,
			"blob":               strings.Repeat("x", blobSize),
		})
	}
	return m
}

func TestFlushSync_SendsWholeTailWhenSmall(t *testing.T) {
	m := mirrorWith(3, 10)
	tr := &captureBeacon{accept: true}

	sent := NewBeacon(m, tr, 0, nil).FlushSync()

	assert.Equal(t, 3, sent)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, []string{"s:1", "s:2", "s:3"}, tr.rowIDs(t, 0))
}

func TestFlushSync_CeilingClampedToTransportLimit(t *testing.T) {
	// 30 rows of ~2.5 KB fit under 100 000 bytes but not under 64 KiB.
	m := mirrorWith(30, 2500)
	tr := &limitedBeacon{captureBeacon: captureBeacon{accept: true}, limit: transport.DefaultBeaconLimit}

	b := NewBeacon(m, tr, 100000, nil)
	assert.Equal(t, transport.DefaultBeaconLimit, b.maxBytes)

	sent := b.FlushSync()
	assert.Equal(t, 15, sent)
	require.Len(t, tr.sent, 1)
	ids := tr.rowIDs(t, 0)
	assert.Equal(t, "s:16", ids[0])
	assert.Equal(t, "s:30", ids[14])
}

func TestFlushSync_HalvesToMostRecentRows(t *testing.T) {
	// 40 rows of ~2.5 KB each exceed 60 000 bytes; the newest 20 fit.
	m := mirrorWith(40, 2500)
	tr := &captureBeacon{accept: true}

	sent := NewBeacon(m, tr, DefaultBeaconMaxBytes, nil).FlushSync()

	assert.Equal(t, 20, sent)
	require.Len(t, tr.sent, 1)
	assert.LessOrEqual(t, len(tr.sent[0].Encode()), DefaultBeaconMaxBytes)

	ids := tr.rowIDs(t, 0)
	require.Len(t, ids, 20)
	assert.Equal(t, "s:21", ids[0])
	assert.Equal(t, "s:40", ids[19])

	// The mirror is left untouched.
	assert.Equal(t, 40, m.Len())
}

func TestFlushSync_OversizedRowNotSent(t *testing.T) {
	m := mirrorWith(1, 70000)
	tr := &captureBeacon{accept: true}

	assert.Equal(t, 0, NewBeacon(m, tr, 0, nil).FlushSync())
	assert.Empty(t, tr.sent)
}

func TestFlushSync_EmptyMirror(t *testing.T) {
	tr := &captureBeacon{accept: true}
	assert.Equal(t, 0, NewBeacon(queue.NewMirror(0), tr, 0, nil).FlushSync())
	assert.Empty(t, tr.sent)
}

func TestFlushSync_TransportRefuses(t *testing.T) {
	tr := &captureBeacon{accept: false}
	assert.Equal(t, 0, NewBeacon(mirrorWith(2, 10), tr, 0, nil).FlushSync())
}

type panickingBeacon struct{}

func (panickingBeacon) TrySend(url.Values) bool { panic("boom") }

func TestFlushSync_RecoversPanics(t *testing.T) {
	b := NewBeacon(mirrorWith(2, 10), panickingBeacon{}, 0, nil)
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, b.FlushSync())
	})
}
