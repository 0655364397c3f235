package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestEtcd connects to a local etcd or skips the test.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"},
		WithDialTimeout(time.Second), WithRequestTimeout(time.Second), WithEtcdLogger(zap.NewNop()))
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "/"); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	service := "test-" + t.Name()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(service, inst1, 10))
	require.NoError(t, reg.Register(service, inst2, 10))

	instances, err := reg.Discover(service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(service, inst1.Addr))
	instances, err = reg.Discover(service)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)

	reg.Deregister(service, inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	service := "test-" + t.Name()

	ch := reg.Watch(service)
	inst := ServiceInstance{Addr: "127.0.0.1:8003", Weight: 1}
	// The watch starts asynchronously; keep registering until an update shows up.
	require.Eventually(t, func() bool {
		if reg.Register(service, inst, 10) != nil {
			return false
		}
		select {
		case instances := <-ch:
			return len(instances) == 1 && instances[0].Addr == inst.Addr
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	reg.Deregister(service, inst.Addr)
}
