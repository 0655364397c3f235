package loadbalance

import (
	"sync/atomic"

	"mini-cache/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter, so Pick never locks.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(_ []byte, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
