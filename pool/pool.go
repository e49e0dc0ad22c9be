package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type (
	// OpenFunc opens a handle bound to one isolated instance; the backend
	// supplies it so the pool stays vendor-agnostic.
	OpenFunc func(instance string) (*sql.DB, error)

	entry struct {
		worker    int
		instance  string
		db        *sql.DB
		ops       int
		lastCheck time.Time
	}

	// Pool hands out exactly one live handle per worker. All mutations go
	// through one lock; isolation between workers is structural because
	// entries are keyed one-to-one by worker id.
	Pool struct {
		open             OpenFunc
		recycleThreshold int
		healthInterval   time.Duration

		mu      sync.Mutex
		entries map[int]*entry
		active  int
		now     func() time.Time
	}
)

const noActive = -1

func New(open OpenFunc, recycleThreshold int, healthInterval time.Duration) *Pool {
	return &Pool{
		open:             open,
		recycleThreshold: recycleThreshold,
		healthInterval:   healthInterval,
		entries:          map[int]*entry{},
		active:           noActive,
		now:              time.Now,
	}
}

// Register opens the handle for one worker's isolated instance.
func (p *Pool) Register(worker int, instance string) error {
	db, err := p.open(instance)
	if err != nil {
		return fmt.Errorf("opening instance %v failed: %w", instance, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.entries[worker]; ok {
		old.db.Close()
	}
	p.entries[worker] = &entry{worker: worker, instance: instance, db: db, lastCheck: p.now()}
	return nil
}

// Conn returns the instrumented handle for a worker.
func (p *Pool) Conn(worker int) *Conn {
	return &Conn{pool: p, worker: worker}
}

// handle returns the live sql handle for a worker, probing liveness first
// when the entry has been idle past the health interval. The probe runs
// outside the pool lock so one worker's network stall cannot hold up the
// other workers' statements.
func (p *Pool) handle(ctx context.Context, worker int) (*sql.DB, error) {
	p.mu.Lock()
	e, ok := p.entries[worker]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("no pool entry for worker %v", worker)
	}
	db := e.db
	stale := p.now().Sub(e.lastCheck) > p.healthInterval
	p.mu.Unlock()

	if !stale {
		return db, nil
	}

	pingErr := db.PingContext(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e.db != db {
		// recycled or reopened while we probed
		return e.db, nil
	}
	if pingErr != nil {
		log.Warnf("worker %v connection failed liveness probe, reopening: %v", worker, pingErr)
		if err := p.reopenLocked(e); err != nil {
			return nil, err
		}
	}
	e.lastCheck = p.now()
	return e.db, nil
}

func (p *Pool) record(worker int, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[worker]; ok {
		e.ops += n
	}
}

// MaybeRecycle closes and reopens a worker's handle once its operation
// counter crosses the threshold. Callers invoke it only between units, so a
// handle never changes mid-unit.
func (p *Pool) MaybeRecycle(worker int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[worker]
	if !ok || e.ops < p.recycleThreshold {
		return false, nil
	}

	ops := e.ops
	if err := p.reopenLocked(e); err != nil {
		return false, err
	}

	log.Debugf("recycled worker %v connection after %v operations", worker, ops)
	return true, nil
}

func (p *Pool) reopenLocked(e *entry) error {
	e.db.Close()

	db, err := p.open(e.instance)
	if err != nil {
		return fmt.Errorf("reopening instance %v failed: %w", e.instance, err)
	}

	e.db = db
	e.ops = 0
	e.lastCheck = p.now()
	return nil
}

// Activate swaps the pool's active handle to the worker's entry and returns
// a restore closure. Deferring the closure guarantees the prior handle comes
// back on every exit path. Statement routing is per worker through Conn and
// never consults the active entry; it exists only to carry the scoped-swap
// contract with its restore guarantee.
func (p *Pool) Activate(worker int) func() {
	p.mu.Lock()
	previous := p.active
	p.active = worker
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		p.active = previous
		p.mu.Unlock()
	}
}

// Active returns the worker id owning the active handle, or -1.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) Ops(worker int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[worker]; ok {
		return e.ops
	}
	return 0
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if err := e.db.Close(); err != nil {
			log.Warnf("closing worker %v connection failed: %v", e.worker, err)
		}
	}
	p.entries = map[int]*entry{}
	p.active = noActive
}
