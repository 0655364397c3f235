package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mini-cache/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring, so the
// same key goes to the same server until the server set changes. Only the
// keys of an added or removed server move.
//
// Each real instance is placed on the ring as many virtual nodes, hashed from
// "{addr}#{i}", which spreads the load evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                             // Sorted virtual node hashes
	nodes map[uint32]*registry.ServiceInstance // Virtual node hash → instance
	addrs []string                             // Sorted addresses on the ring
	rr    RoundRobinBalancer                   // For keyless requests
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	b.addrs = append(b.addrs, instance.Addr)
	slices.Sort(b.addrs)
}

// Remove takes every virtual node of addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = slices.DeleteFunc(b.ring, func(h uint32) bool {
		if b.nodes[h].Addr == addr {
			delete(b.nodes, h)
			return true
		}
		return false
	})
	b.addrs = slices.DeleteFunc(b.addrs, func(a string) bool { return a == addr })
}

// Lookup finds the instance responsible for key: the first virtual node
// clockwise from the key's hash, wrapping around past the largest one.
func (b *ConsistentHashBalancer) Lookup(key []byte) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE(key)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring when instances differ from the servers on it, then
// looks key up. Keyless requests are spread round robin.
func (b *ConsistentHashBalancer) Pick(key []byte, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if key == nil {
		return b.rr.Pick(nil, instances)
	}
	b.sync(instances)
	return b.Lookup(key)
}

func (b *ConsistentHashBalancer) sync(instances []registry.ServiceInstance) {
	addrs := registry.Addrs(instances)
	slices.Sort(addrs)

	b.mu.RLock()
	same := slices.Equal(addrs, b.addrs)
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Equal(addrs, b.addrs) {
		return
	}
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
	b.addrs = b.addrs[:0]
	for i := range instances {
		inst := instances[i]
		b.addLocked(&inst)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// String lists the servers on the ring.
func (b *ConsistentHashBalancer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return "ConsistentHash[" + strings.Join(b.addrs, ",") + "]"
}
