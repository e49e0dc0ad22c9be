package chunk

import (
	"container/heap"
	"sort"

	"github.com/paratest/paratest/workload"
)

type (
	// Chunk is the ordered subset of workload units assigned to one worker.
	Chunk struct {
		Units    []*workload.Unit
		Estimate float64
	}

	bin struct {
		index int
		load  float64
		units []*workload.Unit
	}

	binHeap []*bin
)

// Split partitions units into exactly n chunks (possibly empty) using
// longest-processing-time-first: units are taken in descending estimated
// duration and each goes to the currently least-loaded chunk, ties broken
// by lowest chunk index. Every unit lands in exactly one chunk.
func Split(units []*workload.Unit, n int, estimate func(name string) float64) []*Chunk {
	if n < 1 {
		n = 1
	}

	ordered := make([]*workload.Unit, len(units))
	copy(ordered, units)
	sort.SliceStable(ordered, func(i, j int) bool {
		return estimate(ordered[i].Name) > estimate(ordered[j].Name)
	})

	bins := make(binHeap, n)
	for i := range bins {
		bins[i] = &bin{index: i}
	}
	heap.Init(&bins)

	for _, unit := range ordered {
		smallest := bins[0]
		smallest.units = append(smallest.units, unit)
		smallest.load += estimate(unit.Name)
		heap.Fix(&bins, 0)
	}

	chunks := make([]*Chunk, n)
	for len(bins) > 0 {
		b := heap.Pop(&bins).(*bin)

		// preserve discovery order inside the chunk
		sort.Slice(b.units, func(i, j int) bool { return b.units[i].Index < b.units[j].Index })
		chunks[b.index] = &Chunk{Units: b.units, Estimate: b.load}
	}

	return chunks
}

func (h binHeap) Len() int { return len(h) }

func (h binHeap) Less(i, j int) bool {
	if h[i].load != h[j].load {
		return h[i].load < h[j].load
	}
	return h[i].index < h[j].index
}

func (h binHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *binHeap) Push(x interface{}) { *h = append(*h, x.(*bin)) }

func (h *binHeap) Pop() interface{} {
	old := *h
	b := old[len(old)-1]
	*h = old[:len(old)-1]
	return b
}
