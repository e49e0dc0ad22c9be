package executor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/paratest/paratest/metrics"
	"github.com/paratest/paratest/pool"
	"github.com/paratest/paratest/workload"
)

func testOptions() Options {
	return Options{
		UnitTimeout:  time.Second,
		ChunkTimeout: 5 * time.Second,
		MaxRetries:   3,
		BaseDelay:    time.Second,
	}
}

func newTestWorker(t *testing.T, units []*workload.Unit, opts Options) (*Worker, *metrics.Aggregator, *[]time.Duration) {
	t.Helper()

	// units in these tests never touch the database, the pool stays empty
	p := pool.New(nil, 1000, time.Minute)
	agg := metrics.NewAggregator()

	slept := &[]time.Duration{}
	w := NewWorker(0, units, p.Conn(0), p, agg, opts).
		WithClock(&DefaultClock{}, func(d time.Duration) { *slept = append(*slept, d) })
	return w, agg, slept
}

func unit(name string, index int, fn workload.Func) *workload.Unit {
	return &workload.Unit{Name: name, Index: index, Fn: fn}
}

func pass(name string, index int) *workload.Unit {
	return unit(name, index, func(context.Context, workload.DB) error { return nil })
}

func TestWorkerClassifiesOutcomes(t *testing.T) {
	units := []*workload.Unit{
		pass("ok", 0),
		unit("assert", 1, func(context.Context, workload.DB) error {
			return workload.Failf("expected %v, got %v", 1, 2)
		}),
		unit("boom", 2, func(context.Context, workload.DB) error {
			return errors.New("unexpected state")
		}),
		pass("after", 3),
	}

	w, _, _ := newTestWorker(t, units, testOptions())
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 4)
	assert.Equal(t, workload.StatusPass, outcomes[0].Status)
	assert.Equal(t, workload.StatusFail, outcomes[1].Status)
	assert.Equal(t, "expected 1, got 2", outcomes[1].Detail)
	assert.Equal(t, workload.StatusError, outcomes[2].Status)
	assert.Equal(t, workload.StatusPass, outcomes[3].Status)
	assert.Equal(t, StateCompleted, w.State())
	assert.Equal(t, 0, w.Retries())
}

func TestUnitTimeoutDoesNotAbortWorker(t *testing.T) {
	opts := testOptions()
	opts.UnitTimeout = 30 * time.Millisecond

	units := []*workload.Unit{
		unit("slow", 0, func(ctx context.Context, _ workload.DB) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		}),
		pass("next", 1),
	}

	w, _, _ := newTestWorker(t, units, opts)
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, workload.StatusTimeout, outcomes[0].Status)
	assert.Equal(t, workload.StatusPass, outcomes[1].Status)
	assert.Equal(t, StateCompleted, w.State())
}

func TestAbandonedUnitKeepsItsOwnStatementCounts(t *testing.T) {
	dir := t.TempDir()
	p := pool.New(func(instance string) (*sql.DB, error) {
		return sql.Open("sqlite", filepath.Join(dir, instance+".db"))
	}, 1000, time.Minute)
	defer p.CloseAll()
	require.NoError(t, p.Register(0, "w0"))

	opts := testOptions()
	opts.UnitTimeout = 100 * time.Millisecond

	release := make(chan struct{})
	issued := make(chan struct{})

	units := []*workload.Unit{
		// stalled overruns its deadline, then fires a statement through
		// the handle it was abandoned with
		unit("stalled", 0, func(_ context.Context, db workload.DB) error {
			<-release
			db.Exec(context.Background(), "CREATE TABLE leftover (id INTEGER)")
			close(issued)
			return nil
		}),
		// victim runs no statements while the abandoned body fires its own
		unit("victim", 1, func(context.Context, workload.DB) error {
			close(release)
			<-issued
			return nil
		}),
	}

	w := NewWorker(0, units, p.Conn(0), p, metrics.NewAggregator(), opts)
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, workload.StatusTimeout, outcomes[0].Status)
	assert.Equal(t, workload.StatusPass, outcomes[1].Status)
	assert.Equal(t, 0, outcomes[1].Queries, "victim ran no statements")
	assert.Equal(t, 0, outcomes[1].Writes)
}

func TestWorkerTimeoutSkipsRemaining(t *testing.T) {
	opts := testOptions()
	opts.ChunkTimeout = 50 * time.Millisecond

	units := []*workload.Unit{
		unit("slow", 0, func(ctx context.Context, _ workload.DB) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		pass("skipped_a", 1),
		pass("skipped_b", 2),
	}

	w, _, _ := newTestWorker(t, units, opts)
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 3)
	assert.Equal(t, workload.StatusTimeout, outcomes[0].Status)
	assert.Equal(t, workload.StatusSkip, outcomes[1].Status)
	assert.Equal(t, workload.StatusSkip, outcomes[2].Status)
	assert.Equal(t, StateTimedOut, w.State())
}

func TestConnectivityErrorRetriesChunk(t *testing.T) {
	attempts := 0
	units := []*workload.Unit{
		pass("first", 0),
		unit("flaky", 1, func(context.Context, workload.DB) error {
			attempts++
			if attempts == 1 {
				return errors.New("dial tcp: connection refused")
			}
			return nil
		}),
	}

	w, agg, slept := newTestWorker(t, units, testOptions())
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, workload.StatusPass, outcomes[0].Status)
	assert.Equal(t, workload.StatusPass, outcomes[1].Status)
	assert.Equal(t, StateCompleted, w.State())
	assert.Equal(t, 1, w.Retries())

	// delay = base_delay x attempt_number
	require.Len(t, *slept, 1)
	assert.Equal(t, time.Second, (*slept)[0])

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.Retries)
	assert.Equal(t, 1, snap.ConnectionErrors)
}

func TestRetriesExhaustedSynthesizesOutcomes(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 2

	units := []*workload.Unit{
		pass("first", 0),
		unit("dead", 1, func(context.Context, workload.DB) error {
			return errors.New("connection reset by peer")
		}),
		pass("never_ran", 2),
	}

	w, _, slept := newTestWorker(t, units, opts)
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 3)
	assert.Equal(t, workload.StatusPass, outcomes[0].Status)
	assert.Equal(t, workload.StatusError, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Detail, "retries exhausted")
	assert.Equal(t, workload.StatusError, outcomes[2].Status)
	assert.Equal(t, StateFailed, w.State())

	// linear backoff across the two retries
	require.Len(t, *slept, 2)
	assert.Equal(t, time.Second, (*slept)[0])
	assert.Equal(t, 2*time.Second, (*slept)[1])
}

func TestAssertionFailureIsNeverRetried(t *testing.T) {
	calls := 0
	units := []*workload.Unit{
		unit("assert", 0, func(context.Context, workload.DB) error {
			calls++
			return workload.Failf("nope")
		}),
	}

	w, _, slept := newTestWorker(t, units, testOptions())
	outcomes := w.Run(context.Background())

	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.Equal(t, workload.StatusFail, outcomes[0].Status)
	assert.Equal(t, StateCompleted, w.State())
}

func TestPanicIsContained(t *testing.T) {
	units := []*workload.Unit{
		unit("panics", 0, func(context.Context, workload.DB) error {
			panic("nil map write")
		}),
		pass("after", 1),
	}

	w, _, _ := newTestWorker(t, units, testOptions())
	outcomes := w.Run(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, workload.StatusError, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Detail, "panicked")
	assert.Equal(t, workload.StatusPass, outcomes[1].Status)
}

func TestProgressReportedOncePerUnitAcrossRetries(t *testing.T) {
	attempts := 0
	units := []*workload.Unit{
		pass("first", 0),
		unit("flaky", 1, func(context.Context, workload.DB) error {
			attempts++
			if attempts == 1 {
				return errors.New("broken pipe")
			}
			return nil
		}),
		pass("last", 2),
	}

	w, _, _ := newTestWorker(t, units, testOptions())

	done := 0
	w.OnUnitDone = func() { done++ }
	w.Run(context.Background())

	assert.Equal(t, len(units), done)
}
