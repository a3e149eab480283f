package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
)

type Store interface {
	CloseStaleParticipants(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper removes expired rows from a cache backend that does not expire
// keys by itself.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type Runner struct {
	store      Store
	sweeper    Sweeper
	staleAfter time.Duration
	now        func() time.Time
}

// NewRunner builds the job set. sweeper may be nil when the cache expires
// keys natively.
func NewRunner(store Store, sweeper Sweeper, staleAfter time.Duration) *Runner {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Runner{store: store, sweeper: sweeper, staleAfter: staleAfter, now: time.Now}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "stale_participant_reconcile", 1*time.Minute, r.reconcileStaleParticipants)
	if r.sweeper != nil {
		go r.runEvery(ctx, "cache_ttl_cleanup", 5*time.Minute, r.sweepCache)
	}
}

// reconcileStaleParticipants closes rows whose connection stopped
// heartbeating, typically because the instance holding it went away.
func (r *Runner) reconcileStaleParticipants(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter)
	n, err := r.store.CloseStaleParticipants(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Logger.WithFields(logrus.Fields{"closed": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}).Info("closed stale participant rows")
	}
	return nil
}

func (r *Runner) sweepCache(ctx context.Context) error {
	n, err := r.sweeper.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Logger.WithField("deleted", n).Debug("swept expired cache rows")
	}
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	entry := logging.Logger.WithFields(logrus.Fields{"job": name, "duration_ms": int64(durMs)})
	if err != nil {
		entry.WithError(err).Error("job run failed")
		labels["status"] = "error"
		metrics.Default().IncCounter("liveterm_job_runs_total", labels)
		metrics.Default().ObserveHistogram("liveterm_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	entry.Debug("job run ok")
	labels["status"] = "ok"
	metrics.Default().IncCounter("liveterm_job_runs_total", labels)
	metrics.Default().ObserveHistogram("liveterm_job_duration_ms", durMs, map[string]string{"job": name})
}
