package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
//
//	Key:   /mini-cache/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations are bound to a TTL lease kept alive in the background: if a
// server dies, its lease expires and clients stop seeing it.
type EtcdRegistry struct {
	client  *clientv3.Client
	timeout time.Duration
	log     *zap.Logger

	ctx    context.Context // Cancelled by Close, ends keepalives and watches
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{dialTimeout: 5 * time.Second, requestTimeout: 3 * time.Second, logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  c,
		timeout: o.requestTimeout,
		log:     o.logger.Named("registry"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// EtcdOption customizes an EtcdRegistry.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
}

// WithDialTimeout bounds the initial connection to etcd.
func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithRequestTimeout bounds every single etcd request.
func WithRequestTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.requestTimeout = d }
}

// WithEtcdLogger sets the logger for the registry and the etcd client.
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

func servicePrefix(serviceName string) string {
	return "/" + DefaultServiceName + "/" + serviceName + "/"
}

// Register adds an instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
//
// The lease id stays local so one registry can register several servers.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err = r.client.Put(ctx, servicePrefix(serviceName)+instance.Addr, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range ch {
			// Drain responses so the keepalive channel never fills up.
		}
		r.log.Debug("lease keepalive stopped", zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	r.log.Info("registered instance", zap.String("service", serviceName), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance. Servers call it before closing their listener.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	_, err := r.client.Delete(ctx, servicePrefix(serviceName)+addr)
	return err
}

// Watch emits the full instance list whenever an instance under serviceName
// changes. The channel is closed by Close.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			// Re-read the whole list instead of applying individual events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.log.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns all currently registered instances of serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keepalives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	err := r.client.Close()
	r.wg.Wait()
	return err
}
