package registry

import (
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. It serves fixed server lists from
// configuration and tests that need discovery without etcd. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

// NewStaticRegistry returns a registry holding instances under serviceName.
func NewStaticRegistry(serviceName string, instances ...ServiceInstance) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	if len(instances) > 0 {
		r.services[serviceName] = slices.Clone(instances)
	}
	return r
}

// NewStaticRegistryFromAddrs is NewStaticRegistry for plain addresses, each with weight 1.
func NewStaticRegistryFromAddrs(serviceName string, addrs []string) *StaticRegistry {
	instances := make([]ServiceInstance, 0, len(addrs))
	for _, addr := range addrs {
		instances = append(instances, ServiceInstance{Addr: addr, Weight: 1})
	}
	return NewStaticRegistry(serviceName, instances...)
}

func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(r.services[serviceName], func(i ServiceInstance) bool { return i.Addr == instance.Addr })
	r.services[serviceName] = append(list, instance)
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceName] = slices.DeleteFunc(r.services[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.services[serviceName]), nil
}

func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	if r.closed {
		close(ch)
		return ch
	}
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// Close closes every watch channel.
func (r *StaticRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, chans := range r.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	r.watchers = nil
	return nil
}

// notifyLocked replaces any unread update so a slow watcher only sees the latest list.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	snapshot := slices.Clone(r.services[serviceName])
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
