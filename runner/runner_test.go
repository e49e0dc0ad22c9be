package runner

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/paratest/paratest/config"
	"github.com/paratest/paratest/provision"
	"github.com/paratest/paratest/workload"
)

// fileBackend provisions sqlite files in a scratch dir, standing in for a
// clone-capable server.
type fileBackend struct {
	dir      string
	canClone bool
	permErr  bool
}

func newFileBackend(t *testing.T, canClone bool) *fileBackend {
	return &fileBackend{dir: t.TempDir(), canClone: canClone}
}

func (b *fileBackend) Vendor() string   { return "filefake" }
func (b *fileBackend) CanClone() bool   { return b.canClone }
func (b *fileBackend) Identity() string { return "filefake://" + b.dir }
func (b *fileBackend) Close() error     { return nil }

func (b *fileBackend) path(instance string) string {
	if instance == "" {
		instance = "primary"
	}
	return filepath.Join(b.dir, instance+".db")
}

func (b *fileBackend) Open(instance string) (*sql.DB, error) {
	return sql.Open("sqlite", b.path(instance))
}

func (b *fileBackend) SchemaElements(ctx context.Context) ([]provision.SchemaElement, error) {
	return []provision.SchemaElement{{Table: "users", Column: "id", Type: "integer"}}, nil
}

func (b *fileBackend) CreateTemplate(ctx context.Context, name string) error {
	if b.permErr {
		return &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege}
	}
	return os.WriteFile(b.path(name), nil, 0o644)
}

func (b *fileBackend) Clone(ctx context.Context, name string, template string) error {
	return os.WriteFile(b.path(name), nil, 0o644)
}

func (b *fileBackend) Drop(ctx context.Context, name string) error {
	err := os.Remove(b.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func testConfig(t *testing.T, workers int) *config.Config {
	cfg := config.Default()
	cfg.WorkerCount = workers
	cfg.TimingStore = filepath.Join(t.TempDir(), "timings")
	return cfg
}

func noop(context.Context, workload.DB) error { return nil }

func units(names ...string) []*workload.Unit {
	out := make([]*workload.Unit, len(names))
	for i, name := range names {
		out[i] = &workload.Unit{Name: name, Index: i, Fn: noop}
	}
	return out
}

func TestRunSequentialFallbackWithoutClonePrimitive(t *testing.T) {
	engine := NewWithBackend(testConfig(t, 4), newFileBackend(t, false))

	result, err := engine.Run(context.Background(), units("a", "b", "c"))
	require.NoError(t, err)

	assert.True(t, result.Sequential)
	require.Len(t, result.Outcomes, 3)
	for i, o := range result.Outcomes {
		assert.Equal(t, workload.StatusPass, o.Status)
		assert.Equal(t, 0, o.Worker)
		assert.Equal(t, i, o.Index)
	}
}

func TestRunSequentialWhenNotPermitted(t *testing.T) {
	cfg := testConfig(t, 4)
	denied := false
	cfg.Concurrent = &denied

	engine := NewWithBackend(cfg, newFileBackend(t, true))

	result, err := engine.Run(context.Background(), units("a", "b"))
	require.NoError(t, err)
	assert.True(t, result.Sequential)
	assert.Len(t, result.Outcomes, 2)
}

func TestRunAbortsOnProvisioningError(t *testing.T) {
	backend := newFileBackend(t, true)
	backend.permErr = true
	engine := NewWithBackend(testConfig(t, 2), backend)

	result, err := engine.Run(context.Background(), units("a", "b"))
	require.Error(t, err)
	assert.Nil(t, result)

	var provErr *provision.ProvisioningError
	assert.True(t, errors.As(err, &provErr))
}

func TestRunConcurrentIsolation(t *testing.T) {
	engine := NewWithBackend(testConfig(t, 2), newFileBackend(t, true))

	// each unit claims its whole instance; a shared instance would see
	// the other unit's row and fail
	claim := func(ctx context.Context, db workload.DB) error {
		if _, err := db.Exec(ctx, "CREATE TABLE IF NOT EXISTS marks (worker INTEGER)"); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, "INSERT INTO marks (worker) VALUES (1)"); err != nil {
			return err
		}

		var count int
		if err := db.QueryRow(ctx, "SELECT count(*) FROM marks").Scan(&count); err != nil {
			return err
		}
		if count != 1 {
			return workload.Failf("expected sole ownership, found %v rows", count)
		}
		return nil
	}

	input := []*workload.Unit{
		{Name: "left", Index: 0, Fn: claim},
		{Name: "right", Index: 1, Fn: claim},
	}

	result, err := engine.Run(context.Background(), input)
	require.NoError(t, err)

	assert.False(t, result.Sequential)
	require.Len(t, result.Outcomes, 2)
	workers := map[int]bool{}
	for _, o := range result.Outcomes {
		assert.Equal(t, workload.StatusPass, o.Status, "unit %v: %v", o.Unit, o.Detail)
		workers[o.Worker] = true
	}
	assert.Len(t, workers, 2)
}

func TestRunOutcomesAreDeterministicallyOrdered(t *testing.T) {
	engine := NewWithBackend(testConfig(t, 3), newFileBackend(t, true))

	result, err := engine.Run(context.Background(), units("a", "b", "c", "d", "e", "f"))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 6)

	for i := 1; i < len(result.Outcomes); i++ {
		prev, cur := result.Outcomes[i-1], result.Outcomes[i]
		ordered := cur.Worker > prev.Worker || (cur.Worker == prev.Worker && cur.Index > prev.Index)
		assert.True(t, ordered, "outcome %v out of order", i)
	}
}

func TestRunPersistsTimings(t *testing.T) {
	cfg := testConfig(t, 2)
	engine := NewWithBackend(cfg, newFileBackend(t, true))

	_, err := engine.Run(context.Background(), units("a", "b"))
	require.NoError(t, err)

	if _, err := os.Stat(cfg.TimingStore); err != nil {
		t.Fatalf("timing store was not written: %v", err)
	}
	assert.Equal(t, 2, engine.Timings().Len())
}

func TestRunRecordsMetrics(t *testing.T) {
	engine := NewWithBackend(testConfig(t, 2), newFileBackend(t, true))

	query := func(ctx context.Context, db workload.DB) error {
		if _, err := db.Exec(ctx, "CREATE TABLE t (id INTEGER)"); err != nil {
			return err
		}
		var n int
		return db.QueryRow(ctx, "SELECT count(*) FROM t").Scan(&n)
	}

	input := []*workload.Unit{{Name: "q", Index: 0, Fn: query}}

	result, err := engine.Run(context.Background(), input)
	require.NoError(t, err)

	snap := result.Snapshot
	assert.Equal(t, 1, snap.Units)
	assert.Equal(t, 2, snap.TotalQueries)
	assert.Equal(t, 1, snap.TotalWrites)
	assert.Equal(t, 1, snap.Statuses[workload.StatusPass])
}

func TestRunEmptyWorkload(t *testing.T) {
	engine := NewWithBackend(testConfig(t, 2), newFileBackend(t, true))

	result, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, result.Snapshot.Units)
}
