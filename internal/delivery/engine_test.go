package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/pkg/types"
)

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the single pending timer synchronously.
func (s *fakeScheduler) fireNext(t *testing.T) {
	t.Helper()
	p := s.pending()
	require.Len(t, p, 1)
	p[0].fired = true
	p[0].f()
}

type fakeSender struct {
	mu      sync.Mutex
	batches [][]string
	fail    bool
}

func (s *fakeSender) Send(ctx context.Context, rows []types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("offline")
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RowID()
	}
	s.batches = append(s.batches, ids)
	return nil
}

func (s *fakeSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

type flag struct{ on bool }

func (f *flag) Discarding() bool { return f.on }

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	store, err := queue.NewFileStore(filepath.Join(t.TempDir(), "queue.json"), 0)
	require.NoError(t, err)
	return queue.New(store, 0, nil)
}

func enqueueRows(q *queue.Queue, n int) []string {
	rows := make([]types.Row, n)
	ids := make([]string, n)
	for i := range rows {
		ids[i] = fmt.Sprintf("s:%d", i+1)
		rows[i] = types.Row{types.FieldRowID: ids[i], types.FieldEventType: types.EventDoorTrial}
	}
	q.Enqueue(context.Background(), rows)
	return ids
}

func queueLen(t *testing.T, q *queue.Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
		{1 << 30, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.n), "n=%d", tt.n)
	}
}

func TestBackoffDelay_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay doubles until the cap", prop.ForAll(
		func(n int) bool {
			d := BackoffDelay(n)
			next := BackoffDelay(n + 1)
			want := 2 * d
			if want > BackoffMax {
				want = BackoffMax
			}
			return d >= BackoffBase && d <= BackoffMax && next == want
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestFlushQueue_DrainsInBatches(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueueRows(q, 5)
	sender := &fakeSender{}
	e := NewEngine(q, sender, nil, Options{BatchSize: 2, Scheduler: &fakeScheduler{}})

	e.FlushQueue(context.Background())

	assert.Equal(t, [][]string{{"s:1", "s:2"}, {"s:3", "s:4"}, {"s:5"}}, sender.batches)
	assert.Equal(t, ids, sender.sent())
	assert.Equal(t, 0, queueLen(t, q))
	assert.Equal(t, 0, q.Mirror().Len())

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.BatchesSent)
	assert.Equal(t, int64(5), stats.RowsSent)
	assert.Equal(t, 0, stats.Retries)
}

func TestFlushQueue_FIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("rows are delivered once each in enqueue order", prop.ForAll(
		func(n, batchSize int) bool {
			q := newTestQueue(t)
			ids := enqueueRows(q, n)
			sender := &fakeSender{}
			e := NewEngine(q, sender, nil, Options{BatchSize: batchSize, Scheduler: &fakeScheduler{}})
			e.FlushQueue(context.Background())

			got := sender.sent()
			if len(got) != len(ids) {
				return false
			}
			for i := range ids {
				if got[i] != ids[i] {
					return false
				}
			}
			for _, b := range sender.batches {
				if len(b) > batchSize {
					return false
				}
			}
			return queueLen(t, q) == 0
		},
		gen.IntRange(1, 60),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestFlushQueue_FailureBacksOff(t *testing.T) {
	q := newTestQueue(t)
	enqueueRows(q, 3)
	sched := &fakeScheduler{}
	sender := &fakeSender{fail: true}
	e := NewEngine(q, sender, nil, Options{Scheduler: sched})

	e.FlushQueue(context.Background())
	p := sched.pending()
	require.Len(t, p, 1)
	assert.Equal(t, time.Second, p[0].delay)
	assert.Equal(t, 1, e.Stats().Retries)
	assert.True(t, e.Stats().Pending)
	assert.Equal(t, 3, queueLen(t, q))
	assert.Equal(t, 3, q.Mirror().Len())

	sched.fireNext(t)
	p = sched.pending()
	require.Len(t, p, 1)
	assert.Equal(t, 2*time.Second, p[0].delay)
	assert.Equal(t, 2, e.Stats().Retries)

	sender.setFail(false)
	sched.fireNext(t)
	assert.Empty(t, sched.pending())
	assert.Equal(t, 0, e.Stats().Retries)
	assert.Equal(t, int64(2), e.Stats().Failures)
	assert.Equal(t, 0, queueLen(t, q))
	assert.Equal(t, []string{"s:1", "s:2", "s:3"}, sender.sent())
}

func TestFlushQueue_RecoversAfterRepeatedFailures(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueueRows(q, 25)
	sched := &fakeScheduler{}
	sender := &fakeSender{fail: true}
	e := NewEngine(q, sender, nil, Options{BatchSize: 10, Scheduler: sched})

	e.FlushQueue(context.Background())
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		p := sched.pending()
		require.Len(t, p, 1)
		assert.Equal(t, want, p[0].delay)
		assert.Equal(t, i+1, e.Stats().Retries)
		assert.Equal(t, 25, queueLen(t, q))
		if i < 2 {
			sched.fireNext(t)
		}
	}

	sender.setFail(false)
	sched.fireNext(t)

	assert.Empty(t, sched.pending())
	assert.Equal(t, [][]string{ids[:10], ids[10:20], ids[20:]}, sender.batches)
	assert.Equal(t, ids, sender.sent())
	assert.Equal(t, 0, queueLen(t, q))
	assert.Equal(t, 0, q.Mirror().Len())

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, int64(25), stats.RowsSent)
	assert.Equal(t, 0, stats.Retries)
}

func TestFlushQueue_PartialSuccessTrimsMirror(t *testing.T) {
	q := newTestQueue(t)
	enqueueRows(q, 4)
	sched := &fakeScheduler{}
	sender := &failAfter{n: 1}
	e := NewEngine(q, sender, nil, Options{BatchSize: 2, Scheduler: sched})

	e.FlushQueue(context.Background())

	assert.Equal(t, 2, queueLen(t, q))
	snap := q.Mirror().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "s:3", snap[0].RowID())
	assert.Len(t, sched.pending(), 1)
}

type failAfter struct {
	n     int
	calls int
}

func (f *failAfter) Send(context.Context, []types.Row) error {
	f.calls++
	if f.calls > f.n {
		return errors.New("offline")
	}
	return nil
}

func TestScheduleFlush_FirstScheduledWins(t *testing.T) {
	q := newTestQueue(t)
	sched := &fakeScheduler{}
	e := NewEngine(q, &fakeSender{}, nil, Options{Scheduler: sched})

	e.ScheduleFlush(250 * time.Millisecond)
	e.ScheduleFlush(0)
	e.ScheduleFlush(time.Second)

	p := sched.pending()
	require.Len(t, p, 1)
	assert.Equal(t, 250*time.Millisecond, p[0].delay)

	sched.fireNext(t)
	e.ScheduleFlush(0)
	p = sched.pending()
	require.Len(t, p, 1)
	assert.Equal(t, time.Duration(0), p[0].delay)
}

type blockingSender struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *blockingSender) Send(ctx context.Context, rows []types.Row) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		close(s.started)
		<-s.release
	}
	return nil
}

func TestFlushQueue_SingleFlight(t *testing.T) {
	q := newTestQueue(t)
	enqueueRows(q, 1)
	sender := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(q, sender, nil, Options{Scheduler: &fakeScheduler{}})

	done := make(chan struct{})
	go func() {
		e.FlushQueue(context.Background())
		close(done)
	}()
	<-sender.started

	second := make(chan struct{})
	go func() {
		e.FlushQueue(context.Background())
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent flush did not return immediately")
	}

	close(sender.release)
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 0, queueLen(t, q))
}

func TestEngine_DiscardStopsDelivery(t *testing.T) {
	q := newTestQueue(t)
	enqueueRows(q, 2)
	sched := &fakeScheduler{}
	sender := &fakeSender{}
	discard := &flag{on: true}
	e := NewEngine(q, sender, discard, Options{Scheduler: sched})

	e.ScheduleFlush(0)
	assert.Empty(t, sched.pending())

	e.FlushQueue(context.Background())
	assert.Empty(t, sender.sent())
	assert.Equal(t, 2, queueLen(t, q))
}

func TestEngine_CloseStopsTimer(t *testing.T) {
	q := newTestQueue(t)
	sched := &fakeScheduler{}
	e := NewEngine(q, &fakeSender{}, nil, Options{Scheduler: sched})

	e.ScheduleFlush(time.Second)
	e.Close()
	assert.Empty(t, sched.pending())

	e.ScheduleFlush(0)
	assert.Empty(t, sched.pending())
}
