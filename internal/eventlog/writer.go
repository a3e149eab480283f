// Package eventlog schedules durable writes off the live relay path. Callers
// enqueue and return immediately; a single goroutine drains the queue into the
// store, so a slow or failing database never stalls frame delivery.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
)

type Sink interface {
	AppendEvent(ctx context.Context, ev model.Event) error
	TouchSessionActivity(ctx context.Context, sessionID string, at time.Time) error
	ClaimConnection(ctx context.Context, c model.ConnectionClaim) error
	MarkConnectionSeen(ctx context.Context, connectionID string, at time.Time) error
	MarkConnectionLeft(ctx context.Context, connectionID string, at time.Time) error
}

type op string

const (
	opEvent op = "append_event"
	opClaim op = "claim_connection"
	opSeen  op = "connection_seen"
	opLeft  op = "connection_left"
)

type job struct {
	op     op
	event  model.Event
	claim  model.ConnectionClaim
	connID string
	at     time.Time
}

type Writer struct {
	sink         Sink
	queue        chan job
	writeTimeout time.Duration
	drainTimeout time.Duration
	clock        func() time.Time

	mu     sync.Mutex
	lastTS time.Time

	done chan struct{}
}

func NewWriter(sink Sink, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Writer{
		sink:         sink,
		queue:        make(chan job, queueSize),
		writeTimeout: 5 * time.Second,
		drainTimeout: 10 * time.Second,
		clock:        time.Now,
		done:         make(chan struct{}),
	}
}

// Now returns a strictly increasing timestamp at millisecond resolution. The
// events API pages on unix milliseconds, so no two events may share one or a
// beforeTs cursor would skip the older of them. Bursts above one event per
// millisecond run slightly ahead of the wall clock until traffic eases.
func (w *Writer) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock().UTC().Truncate(time.Millisecond)
	if !now.After(w.lastTS) {
		now = w.lastTS.Add(time.Millisecond)
	}
	w.lastTS = now
	return now
}

// Record stamps ev (when TS is zero) and schedules it. The stamped event is
// returned so callers can echo its timestamp.
func (w *Writer) Record(ev model.Event) model.Event {
	if ev.TS.IsZero() {
		ev.TS = w.Now()
	}
	w.enqueue(job{op: opEvent, event: ev})
	return ev
}

func (w *Writer) Claim(c model.ConnectionClaim) {
	if c.At.IsZero() {
		c.At = w.Now()
	}
	w.enqueue(job{op: opClaim, claim: c})
}

func (w *Writer) Seen(connectionID string) {
	w.enqueue(job{op: opSeen, connID: connectionID, at: w.Now()})
}

func (w *Writer) Left(connectionID string) {
	w.enqueue(job{op: opLeft, connID: connectionID, at: w.Now()})
}

func (w *Writer) enqueue(j job) {
	select {
	case w.queue <- j:
	default:
		metrics.Default().IncCounter("liveterm_eventlog_dropped_total", map[string]string{"op": string(j.op)})
		logging.Logger.WithFields(logrus.Fields{
			"op":         j.op,
			"session_id": j.event.SessionID,
			"conn_id":    j.connID,
		}).Warn("eventlog queue full, dropping durable write")
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is still
// queued within the drain timeout.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case j := <-w.queue:
			w.apply(context.Background(), j)
		}
	}
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()
	for {
		select {
		case j := <-w.queue:
			if ctx.Err() != nil {
				metrics.Default().IncCounter("liveterm_eventlog_dropped_total", map[string]string{"op": string(j.op)})
				continue
			}
			w.apply(ctx, j)
		default:
			return
		}
	}
}

func (w *Writer) apply(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, w.writeTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch j.op {
	case opEvent:
		// the frame was delivered either way, so activity is bumped even when
		// the append fails.
		err = errors.Join(
			w.sink.AppendEvent(ctx, j.event),
			w.sink.TouchSessionActivity(ctx, j.event.SessionID, j.event.TS),
		)
	case opClaim:
		err = w.sink.ClaimConnection(ctx, j.claim)
	case opSeen:
		err = w.sink.MarkConnectionSeen(ctx, j.connID, j.at)
	case opLeft:
		err = w.sink.MarkConnectionLeft(ctx, j.connID, j.at)
	}
	durMS := float64(time.Since(start).Milliseconds())
	metrics.Default().ObserveHistogram("liveterm_eventlog_write_latency_ms", durMS, map[string]string{"op": string(j.op)})

	status := "ok"
	if err != nil {
		status = "error"
		logging.Logger.WithFields(logrus.Fields{
			"op":         j.op,
			"session_id": j.event.SessionID,
			"conn_id":    j.connID,
			"err":        err,
		}).Error("durable write failed")
	}
	metrics.Default().IncCounter("liveterm_eventlog_writes_total", map[string]string{"op": string(j.op), "status": status})
}
