package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/paratest/paratest/workload"
)

type (
	UnitSample struct {
		Unit     string
		Worker   int
		Duration time.Duration
		Queries  int
		Writes   int
	}

	WorkerSummary struct {
		Worker   int
		Units    int
		Wall     time.Duration
		Min      time.Duration
		Max      time.Duration
		Variance float64
	}

	Snapshot struct {
		Units    int
		Statuses map[workload.Status]int

		TotalQueries  int
		TotalWrites   int
		TotalDuration time.Duration
		MeanDuration  time.Duration
		P95Duration   time.Duration

		Workers []WorkerSummary

		Retries          int
		ConnectionErrors int
		Recycles         int
	}

	// Aggregator accumulates raw samples under one lock. Summary figures
	// are recomputed from the raw samples on demand rather than folded in
	// incrementally, so repeated snapshots never drift.
	Aggregator struct {
		mu         sync.Mutex
		samples    []UnitSample
		statuses   map[workload.Status]int
		workerWall map[int]time.Duration
		retries    int
		connErrors int
		recycles   int
	}
)

func NewAggregator() *Aggregator {
	return &Aggregator{statuses: map[workload.Status]int{}, workerWall: map[int]time.Duration{}}
}

func (a *Aggregator) RecordUnit(sample UnitSample, status workload.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, sample)
	a.statuses[status]++
}

func (a *Aggregator) RecordWorker(worker int, wall time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workerWall[worker] = wall
}

func (a *Aggregator) RecordRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retries++
}

func (a *Aggregator) RecordConnectionError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connErrors++
}

func (a *Aggregator) RecordRecycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycles++
}

// Snapshot computes summary statistics from the raw samples.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		Units:            len(a.samples),
		Statuses:         map[workload.Status]int{},
		Retries:          a.retries,
		ConnectionErrors: a.connErrors,
		Recycles:         a.recycles,
	}
	for status, n := range a.statuses {
		snap.Statuses[status] = n
	}

	durations := make([]time.Duration, 0, len(a.samples))
	perWorker := map[int][]time.Duration{}
	for _, s := range a.samples {
		snap.TotalQueries += s.Queries
		snap.TotalWrites += s.Writes
		snap.TotalDuration += s.Duration
		durations = append(durations, s.Duration)
		perWorker[s.Worker] = append(perWorker[s.Worker], s.Duration)
	}

	if len(durations) > 0 {
		snap.MeanDuration = snap.TotalDuration / time.Duration(len(durations))
		snap.P95Duration = percentile(durations, 0.95)
	}

	workers := make([]int, 0, len(perWorker))
	for worker := range perWorker {
		workers = append(workers, worker)
	}
	sort.Ints(workers)

	for _, worker := range workers {
		snap.Workers = append(snap.Workers, summarize(worker, perWorker[worker], a.workerWall[worker]))
	}

	return snap
}

// percentile is nearest-rank over a sorted copy of the samples.
func percentile(durations []time.Duration, q float64) time.Duration {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func summarize(worker int, durations []time.Duration, wall time.Duration) WorkerSummary {
	summary := WorkerSummary{Worker: worker, Units: len(durations), Wall: wall, Min: durations[0], Max: durations[0]}

	var total time.Duration
	for _, d := range durations {
		if d < summary.Min {
			summary.Min = d
		}
		if d > summary.Max {
			summary.Max = d
		}
		total += d
	}

	mean := total.Seconds() / float64(len(durations))
	for _, d := range durations {
		diff := d.Seconds() - mean
		summary.Variance += diff * diff
	}
	summary.Variance /= float64(len(durations))

	return summary
}
