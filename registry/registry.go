// Package registry tells clients which cache servers exist.
//
// Servers register themselves under a service name; clients discover the
// current server list and watch it for changes. EtcdRegistry is the
// distributed implementation, StaticRegistry a fixed in-process list.
package registry

// DefaultServiceName is the service cache servers register under.
const DefaultServiceName = "mini-cache"

// ServiceInstance describes one cache server.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry is a source of cache server addresses.
type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until Close.
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}

// Addrs returns the addresses of instances.
func Addrs(instances []ServiceInstance) []string {
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	return addrs
}
