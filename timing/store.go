package timing

import (
	"fmt"
	"os"
	"sync"

	"github.com/pierrec/lz4"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

const (
	// DefaultEstimate is assumed for units never seen before, in seconds.
	DefaultEstimate = 1.0

	// Alpha is the smoothing constant for the moving average.
	Alpha = 0.3
)

type (
	// Store is the persisted mapping from unit name to an exponential
	// moving average of its observed duration. It is best effort: load
	// and save failures degrade to an empty store, never abort a run.
	Store struct {
		mu        sync.Mutex
		durations map[string]float64
	}
)

func NewStore() *Store {
	return &Store{durations: map[string]float64{}}
}

// Load reads a store from path. A missing or unreadable file yields an
// empty store with a warning.
func Load(path string) *Store {
	store := NewStore()

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("opening timing store failed: %v", err)
		}
		return store
	}
	defer file.Close()

	if err := msgpack.NewDecoder(lz4.NewReader(file)).Decode(&store.durations); err != nil {
		log.Warnf("decoding timing store failed, starting empty: %v", err)
		store.durations = map[string]float64{}
	}

	return store
}

func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("os.Create failed: %w", err)
	}
	defer file.Close()

	compressor := lz4.NewWriter(file)
	if err := msgpack.NewEncoder(compressor).Encode(s.durations); err != nil {
		return fmt.Errorf("msgpack.Encoder.Encode failed: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("compressor.Close failed: %w", err)
	}

	return nil
}

// Estimate returns the stored average for name, or DefaultEstimate for
// units never observed.
func (s *Store) Estimate(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.durations[name]; ok {
		return d
	}
	return DefaultEstimate
}

// Observe folds a measured duration into the stored average. The first
// observation is stored as is.
func (s *Store) Observe(name string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.durations[name]; ok {
		s.durations[name] = Alpha*seconds + (1-Alpha)*old
	} else {
		s.durations[name] = seconds
	}
}

// Merge unions other into s; entries of other win on conflict.
func (s *Store) Merge(other *Store) {
	for name, d := range other.Snapshot() {
		s.mu.Lock()
		s.durations[name] = d
		s.mu.Unlock()
	}
}

// Filter returns a new store holding only entries at or above min seconds.
func (s *Store) Filter(min float64) *Store {
	filtered := NewStore()
	for name, d := range s.Snapshot() {
		if d >= min {
			filtered.durations[name] = d
		}
	}
	return filtered
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.durations)
}

func (s *Store) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]float64, len(s.durations))
	for name, d := range s.durations {
		copied[name] = d
	}
	return copied
}
