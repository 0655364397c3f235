// Package metrics exposes mini-cache metrics through Prometheus.
//
// Pools register their gauges through Sink (one GaugeFunc per pool, labelled
// with the server address) and unregister them when they close. The client
// records request counts and latencies on the same registry.
package metrics

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "minicache"

// DefaultLatencyBuckets are request latency buckets in seconds.
var DefaultLatencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Sink registers metrics on a Prometheus registry. It implements pool.MetricsSink.
type Sink struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	collectors map[string]prometheus.Collector // Keyed by name + sorted labels, for Unregister

	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewSink creates a sink backed by a fresh registry.
func NewSink(namespace string) *Sink {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &Sink{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		collectors: make(map[string]prometheus.Collector),
	}
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total cache operations sent, by operation",
	}, []string{"op"})
	s.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_failures_total",
		Help:      "Total cache operations that failed, by operation and status",
	}, []string{"op", "status"})
	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time from submitting a cache operation to receiving its response",
		Buckets:   DefaultLatencyBuckets,
	}, []string{"op"})
	s.registry.MustRegister(s.requests, s.failures, s.latency)
	return s
}

// RegisterGauge registers a gauge evaluated on every scrape.
func (s *Sink) RegisterGauge(name, help string, tags map[string]string, fn func() float64) (func(), error) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   s.namespace,
		Name:        sanitize(name),
		Help:        help,
		ConstLabels: prometheus.Labels(tags),
	}, fn)

	key := collectorKey(name, tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collectors[key]; ok {
		return nil, errors.New("metrics: gauge " + key + " already registered")
	}
	if err := s.registry.Register(gauge); err != nil {
		return nil, err
	}
	s.collectors[key] = gauge

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.registry.Unregister(gauge)
			delete(s.collectors, key)
		})
	}, nil
}

// Registered returns the number of gauges currently registered through RegisterGauge.
func (s *Sink) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collectors)
}

// ObserveRequest records one finished cache operation.
func (s *Sink) ObserveRequest(op, status string, d time.Duration, failed bool) {
	s.requests.WithLabelValues(op).Inc()
	s.latency.WithLabelValues(op).Observe(d.Seconds())
	if failed {
		s.failures.WithLabelValues(op, status).Inc()
	}
}

// Registry returns the underlying registry, e.g. for Gather in tests.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns an http.Handler serving the exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// sanitize turns dotted names ("connection.pool.active") into valid metric names.
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func collectorKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(sanitize(name))
	for _, k := range keys {
		sb.WriteString(",")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(tags[k])
	}
	return sb.String()
}
