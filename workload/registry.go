package workload

import "sync"

var (
	registryMu sync.Mutex
	registry   []*Unit
)

// Register enrolls a unit in discovery order. The discovery mechanism
// itself lives outside the engine; this is the surface its output lands on.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, &Unit{Name: name, Index: len(registry), Fn: fn})
}

// Registered returns the enrolled units in discovery order.
func Registered() []*Unit {
	registryMu.Lock()
	defer registryMu.Unlock()

	units := make([]*Unit, len(registry))
	copy(units, registry)
	return units
}
