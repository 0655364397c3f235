package loadbalance

import (
	"math/rand"

	"mini-cache/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Instances without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ []byte, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
