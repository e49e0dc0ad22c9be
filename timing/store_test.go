package timing

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateDefaultsForUnseenUnits(t *testing.T) {
	store := NewStore()
	assert.Equal(t, DefaultEstimate, store.Estimate("never.seen"))
}

func TestObserveFirstValueStoredDirectly(t *testing.T) {
	store := NewStore()
	store.Observe("app.test_one", 4.0)
	assert.InDelta(t, 4.0, store.Estimate("app.test_one"), 1e-9)
}

func TestObserveMovingAverage(t *testing.T) {
	store := NewStore()
	store.Observe("app.test_one", 10.0)
	store.Observe("app.test_one", 20.0)

	// 0.3*20 + 0.7*10
	assert.InDelta(t, 13.0, store.Estimate("app.test_one"), 1e-9)
}

func TestObserveConvergesMonotonically(t *testing.T) {
	store := NewStore()
	store.Observe("u", 1.0)

	previous := store.Estimate("u")
	for i := 0; i < 20; i++ {
		store.Observe("u", 5.0)
		current := store.Estimate("u")
		assert.Greater(t, current, previous)
		assert.LessOrEqual(t, current, 5.0)
		previous = current
	}
	assert.InDelta(t, 5.0, previous, 0.05)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timings")

	store := NewStore()
	store.Observe("a", 1.5)
	store.Observe("b", 0.25)
	require.NoError(t, store.Save(path))

	loaded := Load(path)
	assert.Equal(t, 2, loaded.Len())
	assert.InDelta(t, 1.5, loaded.Estimate("a"), 1e-9)
	assert.InDelta(t, 0.25, loaded.Estimate("b"), 1e-9)
}

func TestLoadMissingFileYieldsEmptyStore(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, DefaultEstimate, store.Estimate("x"))
}

func TestMergeOtherWins(t *testing.T) {
	left := NewStore()
	left.Observe("a", 1.0)
	left.Observe("b", 2.0)

	right := NewStore()
	right.Observe("b", 9.0)
	right.Observe("c", 3.0)

	left.Merge(right)
	assert.Equal(t, 3, left.Len())
	assert.InDelta(t, 9.0, left.Estimate("b"), 1e-9)
	assert.InDelta(t, 3.0, left.Estimate("c"), 1e-9)
}

func TestFilterThreshold(t *testing.T) {
	store := NewStore()
	store.Observe("fast", 0.1)
	store.Observe("slow", 5.0)
	store.Observe("edge", 1.0)

	filtered := store.Filter(1.0)
	assert.Equal(t, 2, filtered.Len())
	assert.InDelta(t, 5.0, filtered.Estimate("slow"), 1e-9)
	assert.InDelta(t, 1.0, filtered.Estimate("edge"), 1e-9)
	assert.Equal(t, DefaultEstimate, filtered.Estimate("fast"))
}
