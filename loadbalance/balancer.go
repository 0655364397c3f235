// Package loadbalance chooses which cache server an operation is routed to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread requests evenly
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  key affinity, the same key goes to the same server
//
// Servers the client currently considers failed are filtered out with
// Available before picking, as long as at least one healthy server remains.
package loadbalance

import (
	"errors"

	"mini-cache/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks a server for a request. Implementations must be goroutine-safe.
type Balancer interface {
	// Pick selects one instance. key is the request key, nil for operations
	// that do not target a single key; only key-aware strategies look at it.
	Pick(key []byte, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name.
	Name() string
}

// Available returns the instances that failed does not report, or all of them
// if every one is failed: a failed server is still better than none.
func Available(instances []registry.ServiceInstance, failed func(addr string) bool) []registry.ServiceInstance {
	if failed == nil {
		return instances
	}
	healthy := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if !failed(inst.Addr) {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return instances
	}
	return healthy
}

// New returns the balancer registered under name, or nil.
func New(name string) Balancer {
	switch name {
	case "RoundRobin", "round_robin", "":
		return &RoundRobinBalancer{}
	case "WeightedRandom", "weighted_random":
		return &WeightedRandomBalancer{}
	case "ConsistentHash", "consistent_hash":
		return NewConsistentHashBalancer()
	default:
		return nil
	}
}
