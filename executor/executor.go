package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/paratest/paratest/metrics"
	"github.com/paratest/paratest/pool"
	"github.com/paratest/paratest/workload"
)

type (
	State string

	Options struct {
		UnitTimeout  time.Duration
		ChunkTimeout time.Duration
		MaxRetries   int
		BaseDelay    time.Duration
	}

	// Worker drives one chunk against one isolated instance. Lifecycle:
	// Provisioning -> Running -> {Completed, Failed, TimedOut}, with
	// Running -> Retrying -> Running on transient connectivity failures.
	Worker struct {
		id    int
		units []*workload.Unit
		conn  *pool.Conn
		pool  *pool.Pool
		agg   *metrics.Aggregator
		opts  Options

		clock    Clock
		sleep    SleepFunc
		schedule retrySchedule

		state    State
		retries  int
		reported int

		// OnUnitDone feeds run-level progress reporting.
		OnUnitDone func()
	}

	statementCounter struct {
		queries int64
		writes  int64
	}
)

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateRetrying     State = "retrying"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

// errChunkExpired signals the per-worker deadline from inside the unit loop.
var errChunkExpired = fmt.Errorf("worker deadline exceeded")

func NewWorker(id int, units []*workload.Unit, conn *pool.Conn, p *pool.Pool, agg *metrics.Aggregator, opts Options) *Worker {
	return &Worker{
		id:       id,
		units:    units,
		conn:     conn,
		pool:     p,
		agg:      agg,
		opts:     opts,
		clock:    &DefaultClock{},
		sleep:    time.Sleep,
		schedule: retrySchedule{base: opts.BaseDelay},
		state:    StateProvisioning,
	}
}

// WithClock injects a deterministic clock and sleep, for tests.
func (w *Worker) WithClock(clock Clock, sleep SleepFunc) *Worker {
	w.clock = clock
	w.sleep = sleep
	return w
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) State() State {
	return w.state
}

func (w *Worker) Retries() int {
	return w.retries
}

func (w *Worker) setState(next State) {
	log.WithField("worker", w.id).Debugf("state %v -> %v", w.state, next)
	w.state = next
}

// Run executes the chunk to a terminal state and returns one outcome per
// unit. It never returns an error: a worker that exhausts its retries
// synthesizes failing outcomes instead of crashing the orchestrator.
func (w *Worker) Run(ctx context.Context) []*workload.Outcome {
	started := w.clock.Now()
	defer func() {
		w.agg.RecordWorker(w.id, w.clock.Now().Sub(started))
	}()

	// swap the active handle to this worker for the whole chunk
	restore := w.pool.Activate(w.id)
	defer restore()

	w.setState(StateRunning)

	for attempt := 1; ; attempt++ {
		outcomes, err := w.runChunk(ctx)
		if err == nil {
			if w.state == StateRunning {
				w.setState(StateCompleted)
			}
			return outcomes
		}

		w.agg.RecordConnectionError()

		if attempt > w.opts.MaxRetries {
			w.setState(StateFailed)
			return w.synthesize(outcomes, err)
		}

		w.retries++
		w.agg.RecordRetry()
		w.setState(StateRetrying)

		delay := w.schedule.delay(attempt)
		log.WithField("worker", w.id).Warnf("connectivity failure, retrying chunk in %v (attempt %v/%v): %v",
			delay, attempt, w.opts.MaxRetries, err)
		w.sleep(delay)

		w.setState(StateRunning)
	}
}

// runChunk walks the chunk in assigned order under the per-worker deadline.
// A connectivity error aborts the walk and is returned for retry handling;
// every other failure is contained in its unit's outcome.
func (w *Worker) runChunk(ctx context.Context) ([]*workload.Outcome, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, w.opts.ChunkTimeout)
	defer cancel()

	outcomes := make([]*workload.Outcome, 0, len(w.units))

	for _, unit := range w.units {
		if chunkCtx.Err() != nil {
			w.setState(StateTimedOut)
			return w.skipRemaining(outcomes), nil
		}

		outcome, err := w.runUnit(chunkCtx, unit)
		if err == errChunkExpired {
			outcomes = append(outcomes, outcome)
			w.setState(StateTimedOut)
			return w.skipRemaining(outcomes), nil
		}
		if err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, outcome)
		w.progress(len(outcomes))

		// recycling happens strictly between units
		if recycled, err := w.pool.MaybeRecycle(w.id); err != nil {
			return outcomes, err
		} else if recycled {
			w.agg.RecordRecycle()
		}
	}

	return outcomes, nil
}

// runUnit races the unit body against its individual timeout. The body runs
// in its own goroutine; on timeout it is abandoned, never force-killed.
func (w *Worker) runUnit(chunkCtx context.Context, unit *workload.Unit) (*workload.Outcome, error) {
	unitCtx, cancel := context.WithTimeout(chunkCtx, w.opts.UnitTimeout)
	defer cancel()

	// the unit gets its own handle copy carrying its own counter, so a
	// body abandoned on timeout cannot charge statements to a later unit
	counter := &statementCounter{}
	conn := w.conn.WithObserver(counter.observe)

	outcome := &workload.Outcome{Unit: unit.Name, Index: unit.Index, Worker: w.id}
	started := w.clock.Now()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("unit panicked: %v", r)
			}
		}()
		done <- unit.Fn(unitCtx, conn)
	}()

	var err error
	select {
	case err = <-done:
	case <-unitCtx.Done():
		outcome.Duration = w.clock.Now().Sub(started)
		counter.fill(outcome)
		outcome.Status = workload.StatusTimeout

		if chunkCtx.Err() != nil {
			outcome.Detail = "worker deadline exceeded"
			return outcome, errChunkExpired
		}
		outcome.Detail = fmt.Sprintf("unit exceeded %v", w.opts.UnitTimeout)
		return outcome, nil
	}

	outcome.Duration = w.clock.Now().Sub(started)
	counter.fill(outcome)

	// a unit observing its deadline cooperatively reports the same timeout
	// as one abandoned by the select above
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		outcome.Status = workload.StatusTimeout
		if chunkCtx.Err() != nil {
			outcome.Detail = "worker deadline exceeded"
			return outcome, errChunkExpired
		}
		outcome.Detail = fmt.Sprintf("unit exceeded %v", w.opts.UnitTimeout)
		return outcome, nil
	}

	switch {
	case err == nil:
		outcome.Status = workload.StatusPass
	case workload.IsFailure(err):
		outcome.Status = workload.StatusFail
		outcome.Detail = err.Error()
	case IsConnectivityError(err):
		return outcome, err
	default:
		outcome.Status = workload.StatusError
		outcome.Detail = err.Error()
	}

	return outcome, nil
}

// skipRemaining marks every unit without an outcome as skipped.
func (w *Worker) skipRemaining(outcomes []*workload.Outcome) []*workload.Outcome {
	for _, unit := range w.units[len(outcomes):] {
		outcomes = append(outcomes, &workload.Outcome{
			Unit:   unit.Name,
			Index:  unit.Index,
			Worker: w.id,
			Status: workload.StatusSkip,
			Detail: "worker deadline exceeded",
		})
	}
	return outcomes
}

// synthesize fills failing outcomes for units left without one after
// retries are exhausted.
func (w *Worker) synthesize(outcomes []*workload.Outcome, cause error) []*workload.Outcome {
	detail := fmt.Sprintf("worker retries exhausted: %v", cause)
	for _, unit := range w.units[len(outcomes):] {
		outcomes = append(outcomes, &workload.Outcome{
			Unit:   unit.Name,
			Index:  unit.Index,
			Worker: w.id,
			Status: workload.StatusError,
			Detail: detail,
		})
	}
	return outcomes
}

// progress reports each unit at most once across chunk retries.
func (w *Worker) progress(completed int) {
	if w.OnUnitDone == nil {
		return
	}
	for w.reported < completed {
		w.OnUnitDone()
		w.reported++
	}
}

func (c *statementCounter) observe(statement string) {
	atomic.AddInt64(&c.queries, 1)
	if IsWriteStatement(statement) {
		atomic.AddInt64(&c.writes, 1)
	}
}

func (c *statementCounter) fill(outcome *workload.Outcome) {
	outcome.Queries = int(atomic.LoadInt64(&c.queries))
	outcome.Writes = int(atomic.LoadInt64(&c.writes))
}
