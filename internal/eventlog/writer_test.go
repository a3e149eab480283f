package eventlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	events    []model.Event
	touches   []string
	claims    []model.ConnectionClaim
	seen      []string
	left      []string
	failEvent error
}

func (f *fakeSink) AppendEvent(_ context.Context, ev model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvent != nil && ev.Kind == model.EventPTYInput {
		return f.failEvent
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) TouchSessionActivity(_ context.Context, sessionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, sessionID)
	return nil
}

func (f *fakeSink) ClaimConnection(_ context.Context, c model.ConnectionClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, c)
	return nil
}

func (f *fakeSink) MarkConnectionSeen(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return nil
}

func (f *fakeSink) MarkConnectionLeft(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return nil
}

func (f *fakeSink) snapshot() (events []model.Event, touches, left []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event(nil), f.events...), append([]string(nil), f.touches...), append([]string(nil), f.left...)
}

func TestWriter_NowIsStrictlyIncreasing(t *testing.T) {
	w := NewWriter(&fakeSink{}, 8)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.clock = func() time.Time { return fixed }

	prev := w.Now()
	for i := 0; i < 100; i++ {
		next := w.Now()
		require.True(t, next.After(prev), "ts %d did not advance", i)
		prev = next
	}
}

func TestWriter_NowIsExactAtMillisecondPaging(t *testing.T) {
	w := NewWriter(&fakeSink{}, 8)
	base := time.Date(2026, 1, 1, 12, 0, 0, 567_000_000, time.UTC)
	var offset time.Duration
	w.clock = func() time.Time {
		offset += 150 * time.Microsecond
		return base.Add(offset)
	}

	stamps := make([]time.Time, 0, 20)
	for i := 0; i < 20; i++ {
		stamps = append(stamps, w.Now())
	}
	for i, ts := range stamps {
		require.True(t, ts.Equal(ts.Truncate(time.Millisecond)), "ts %d carries sub-millisecond precision: %s", i, ts)
		if i == 0 {
			continue
		}
		// a page ending at stamps[i] hands out beforeTs=stamps[i].UnixMilli();
		// the next older event must still match ts < beforeTs.
		cursor := time.UnixMilli(stamps[i].UnixMilli()).UTC()
		require.Greater(t, stamps[i].UnixMilli(), stamps[i-1].UnixMilli())
		require.True(t, stamps[i-1].Before(cursor), "event %d hidden by cursor %s", i-1, cursor)
	}
}

func TestWriter_FailedAppendStillTouchesActivity(t *testing.T) {
	sink := &fakeSink{failEvent: errors.New("append rejected")}
	w := NewWriter(sink, 8)
	ctx, cancel := context.WithCancel(context.Background())

	w.Record(model.Event{SessionID: "ses_1", Kind: model.EventPTYInput})
	go w.Run(ctx)
	cancel()
	<-w.Done()

	events, touches, _ := sink.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, []string{"ses_1"}, touches)
}

func TestWriter_RunAppliesInOrderAndDrainsOnCancel(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 64)
	ctx, cancel := context.WithCancel(context.Background())

	w.Claim(model.ConnectionClaim{SessionID: "ses_1", UserID: "usr_a", Role: model.RoleHost, ConnectionID: "conn_1"})
	for i := 0; i < 10; i++ {
		w.Record(model.Event{SessionID: "ses_1", Kind: model.EventPTYOutput, Payload: []byte(`{"data":"x"}`)})
	}
	w.Left("conn_1")

	go w.Run(ctx)
	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}

	events, touches, left := sink.snapshot()
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].TS.After(events[i-1].TS))
	}
	assert.Len(t, touches, 10)
	assert.Equal(t, []string{"conn_1"}, left)
	assert.Len(t, sink.claims, 1)
}

func TestWriter_FailedWriteDoesNotStopLaterWrites(t *testing.T) {
	metrics.ResetDefaultForTest()
	sink := &fakeSink{failEvent: errors.New("db down")}
	w := NewWriter(sink, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Record(model.Event{SessionID: "ses_1", Kind: model.EventPTYInput})
	w.Record(model.Event{SessionID: "ses_1", Kind: model.EventMeta})

	require.Eventually(t, func() bool {
		return strings.Contains(metrics.Default().Render(), `liveterm_eventlog_writes_total{op="append_event",status="ok"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	events, _, _ := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMeta, events[0].Kind)
	assert.Contains(t, metrics.Default().Render(), `liveterm_eventlog_writes_total{op="append_event",status="error"} 1`)
}

func TestWriter_FullQueueDropsWithoutBlocking(t *testing.T) {
	metrics.ResetDefaultForTest()
	w := NewWriter(&fakeSink{}, 1)

	done := make(chan struct{})
	go func() {
		w.Record(model.Event{SessionID: "ses_1", Kind: model.EventMeta})
		w.Record(model.Event{SessionID: "ses_1", Kind: model.EventMeta})
		w.Seen("conn_1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	out := metrics.Default().Render()
	assert.True(t, strings.Contains(out, `liveterm_eventlog_dropped_total{op="append_event"} 1`), out)
	assert.True(t, strings.Contains(out, `liveterm_eventlog_dropped_total{op="connection_seen"} 1`), out)
}
