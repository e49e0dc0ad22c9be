package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"

	"github.com/paratest/paratest/chunk"
	"github.com/paratest/paratest/config"
	"github.com/paratest/paratest/executor"
	"github.com/paratest/paratest/metrics"
	"github.com/paratest/paratest/pool"
	"github.com/paratest/paratest/provision"
	"github.com/paratest/paratest/timing"
	"github.com/paratest/paratest/workload"
)

type (
	// Engine owns the shared caches (timing store, template cache,
	// connection pool) for a run. They are fields, not globals, so
	// independent engines can coexist.
	Engine struct {
		cfg         *config.Config
		provisioner *provision.Provisioner
		timings     *timing.Store

		// Progress draws a bar over completed units.
		Progress bool
	}

	Result struct {
		Outcomes   []*workload.Outcome
		Snapshot   *metrics.Snapshot
		Sequential bool
	}
)

// New probes the backend from the configured DSN and assembles an engine.
func New(cfg *config.Config) (*Engine, error) {
	backend, err := provision.Probe(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(cfg, backend), nil
}

func NewWithBackend(cfg *config.Config, backend provision.Backend) *Engine {
	return &Engine{
		cfg:         cfg,
		provisioner: provision.NewProvisioner(backend).WithConfigKey(cfg.CacheKey()),
		timings:     timing.Load(cfg.TimingStore),
	}
}

func (e *Engine) Timings() *timing.Store {
	return e.timings
}

// Run executes the workload to completion: template, clones, chunks,
// worker pool, join, timing persistence. Only a provisioning failure
// aborts; everything else degrades into per-unit outcomes.
func (e *Engine) Run(ctx context.Context, units []*workload.Unit) (*Result, error) {
	e.cfg.Validate()

	backend := e.provisioner.Backend()
	workers := e.cfg.WorkerCount
	sequential := false

	if !e.cfg.ConcurrencyAllowed() {
		log.Warn("concurrent execution not permitted, running sequentially")
		sequential = true
	}
	if !sequential && !backend.CanClone() {
		log.Warnf("%v backend has no clone primitive, falling back to one worker", backend.Vendor())
		sequential = true
	}
	if sequential {
		workers = 1
	}
	if workers > len(units) && len(units) > 0 {
		workers = len(units)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout())
	defer cancel()

	var instances []string
	if !sequential {
		handle, err := e.provisioner.EnsureTemplate(runCtx)
		if errors.Is(err, provision.ErrCloneUnsupported) {
			log.Warnf("%v backend refused template creation, falling back to one worker", backend.Vendor())
			sequential = true
			workers = 1
		} else if err != nil {
			return nil, err
		} else {
			instances, err = e.provisioner.CloneWorkers(runCtx, handle, workers)
			if err != nil {
				e.provisioner.Cleanup(runCtx, instances)
				return nil, err
			}
		}
	}

	connections := pool.New(backend.Open, e.cfg.ConnectionRecycleThreshold, e.cfg.HealthInterval())
	defer connections.CloseAll()
	defer func() { e.provisioner.Cleanup(context.Background(), instances) }()

	if sequential {
		if err := connections.Register(0, ""); err != nil {
			return nil, &provision.ProvisioningError{Op: "opening primary database", Err: err}
		}
	} else {
		for worker, instance := range instances {
			if err := connections.Register(worker, instance); err != nil {
				return nil, &provision.ProvisioningError{Op: "opening worker instance", Err: err}
			}
		}
	}

	chunks := chunk.Split(units, workers, e.timings.Estimate)
	agg := metrics.NewAggregator()

	var bar *pb.ProgressBar
	if e.Progress {
		bar = pb.Full.Start(len(units))
	}

	opts := executor.Options{
		UnitTimeout:  e.cfg.UnitTimeout(),
		ChunkTimeout: e.cfg.ChunkTimeout(),
		MaxRetries:   e.cfg.MaxRetries,
		BaseDelay:    e.cfg.BaseDelay(),
	}

	results := make([][]*workload.Outcome, workers)
	wg := &sync.WaitGroup{}

	for i := 0; i < workers; i++ {
		worker := executor.NewWorker(i, chunks[i].Units, connections.Conn(i), connections, agg, opts)
		if bar != nil {
			worker.OnUnitDone = func() { bar.Increment() }
		}

		wg.Add(1)
		go func(i int, worker *executor.Worker) {
			defer wg.Done()
			results[i] = worker.Run(runCtx)
		}(i, worker)
	}

	wg.Wait()

	if bar != nil {
		bar.Finish()
	}

	outcomes := []*workload.Outcome{}
	for _, r := range results {
		outcomes = append(outcomes, r...)
	}
	workload.SortOutcomes(outcomes)

	for _, o := range outcomes {
		agg.RecordUnit(metrics.UnitSample{
			Unit:     o.Unit,
			Worker:   o.Worker,
			Duration: o.Duration,
			Queries:  o.Queries,
			Writes:   o.Writes,
		}, o.Status)

		// only finished units feed the moving average
		if o.Status == workload.StatusPass || o.Status == workload.StatusFail {
			e.timings.Observe(o.Unit, o.Duration.Seconds())
		}
	}

	// best effort, never authoritative for correctness
	if err := e.timings.Save(e.cfg.TimingStore); err != nil {
		log.Warnf("persisting timing store failed: %v", err)
	}

	return &Result{Outcomes: outcomes, Snapshot: agg.Snapshot(), Sequential: sequential}, nil
}
