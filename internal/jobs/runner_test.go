package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/telemyapp/liveterm-relay/internal/metrics"
)

type mockStore struct {
	closeStaleFn func(context.Context, time.Time) (int64, error)
}

func (m *mockStore) CloseStaleParticipants(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.closeStaleFn(ctx, cutoff)
}

type mockSweeper struct {
	calls int
	err   error
}

func (m *mockSweeper) DeleteExpired(context.Context) (int64, error) {
	m.calls++
	return 3, m.err
}

func TestReconcileStaleParticipants_UsesCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var gotCutoff time.Time
	r := NewRunner(&mockStore{closeStaleFn: func(_ context.Context, cutoff time.Time) (int64, error) {
		gotCutoff = cutoff
		return 2, nil
	}}, nil, 5*time.Minute)
	r.now = func() time.Time { return now }

	if err := r.reconcileStaleParticipants(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !gotCutoff.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("unexpected cutoff: %s", gotCutoff)
	}
}

func TestRunOnce_RecordsStatusMetrics(t *testing.T) {
	metrics.ResetDefaultForTest()
	sweeper := &mockSweeper{}
	r := NewRunner(&mockStore{}, sweeper, time.Minute)

	r.runOnce(context.Background(), "cache_ttl_cleanup", r.sweepCache)
	sweeper.err = errors.New("db down")
	r.runOnce(context.Background(), "cache_ttl_cleanup", r.sweepCache)

	if sweeper.calls != 2 {
		t.Fatalf("expected 2 sweeps, got %d", sweeper.calls)
	}
	out := metrics.Default().Render()
	for _, want := range []string{
		`liveterm_job_runs_total{job="cache_ttl_cleanup",status="ok"} 1`,
		`liveterm_job_runs_total{job="cache_ttl_cleanup",status="error"} 1`,
		`liveterm_job_duration_ms_count{job="cache_ttl_cleanup"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in metrics output:\n%s", want, out)
		}
	}
}

func TestStart_StopsWithContext(t *testing.T) {
	calls := make(chan struct{}, 4)
	r := NewRunner(&mockStore{closeStaleFn: func(context.Context, time.Time) (int64, error) {
		calls <- struct{}{}
		return 0, nil
	}}, nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile job did not run on start")
	}
	cancel()
}
