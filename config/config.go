// Package config loads mini-cache settings from a TOML or YAML file and turns
// them into the option structs of the client, pool, transport, registry and
// server packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mini-cache/client"
	"mini-cache/codec"
	"mini-cache/loadbalance"
	"mini-cache/metrics"
	"mini-cache/pool"
	"mini-cache/registry"
	"mini-cache/server"
	"mini-cache/transport"
)

// Default configuration values
const (
	DefaultListen        = ":11222"
	DefaultRESTListen    = "127.0.0.1:8080"
	DefaultProbeInterval = 5 * time.Second
	DefaultEventLoops    = 4
)

// Duration is a time.Duration written as "5s" in config files. Negative
// values are written as "unlimited".
type Duration time.Duration

// Unlimited is the Duration written as "unlimited".
const Unlimited = Duration(-1)

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	if d < 0 {
		return []byte("unlimited"), nil
	}
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	switch strings.ToLower(s) {
	case "unlimited", "-1":
		*d = Unlimited
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration of a mini-cache process.
type Config struct {
	Client    ClientConfig    `toml:"client" yaml:"client"`
	Pool      PoolConfig      `toml:"pool" yaml:"pool"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	REST      RESTConfig      `toml:"rest" yaml:"rest"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// ClientConfig contains routing and request settings of the client.
type ClientConfig struct {
	// Balancer is one of round_robin, weighted_random, consistent_hash
	Balancer string `toml:"balancer" yaml:"balancer"`
	// EventLoops is the number of loops pool continuations run on
	EventLoops int `toml:"event_loops" yaml:"event_loops"`
	// ProbeInterval is how often pools of failed servers are probed, 0 disables probing
	ProbeInterval Duration `toml:"probe_interval" yaml:"probe_interval"`
	// RequestTimeout bounds a single operation, 0 = none
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries" yaml:"max_retries"`
	RetryBackoff   Duration `toml:"retry_backoff" yaml:"retry_backoff"`
	// RateLimit is the allowed operations per second, 0 = unlimited
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	MaxWait            Duration             `toml:"max_wait" yaml:"max_wait"`
	MaxConnections     int                  `toml:"max_connections" yaml:"max_connections"`
	MaxPendingRequests int                  `toml:"max_pending_requests" yaml:"max_pending_requests"`
	ExhaustedAction    pool.ExhaustedAction `toml:"exhausted_action" yaml:"exhausted_action"`
}

// TransportConfig mirrors transport.Options.
type TransportConfig struct {
	Codec             codec.CodecType `toml:"codec" yaml:"codec"`
	DialTimeout       Duration        `toml:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout      Duration        `toml:"write_timeout" yaml:"write_timeout"`
	HeartbeatInterval Duration        `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	IdleTimeout       Duration        `toml:"idle_timeout" yaml:"idle_timeout"`
	WriteQueueLimit   int             `toml:"write_queue_limit" yaml:"write_queue_limit"`
}

// RegistryConfig selects where server addresses come from. With Endpoints set
// the etcd registry is used, otherwise the static Servers list.
type RegistryConfig struct {
	ServiceName string   `toml:"service_name" yaml:"service_name"`
	Endpoints   []string `toml:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Servers     []string `toml:"servers,omitempty" yaml:"servers,omitempty"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	// TTL is the lease in seconds servers register with
	TTL int64 `toml:"ttl" yaml:"ttl"`
}

// ServerConfig contains settings of the reference cache server.
type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
	// Advertise is the address registered for clients, defaults to the listen address
	Advertise       string   `toml:"advertise,omitempty" yaml:"advertise,omitempty"`
	SweepInterval   Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RESTConfig contains settings of the HTTP gateway.
type RESTConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	pc := pool.DefaultConfig()
	to := transport.DefaultOptions()
	return &Config{
		Client: ClientConfig{
			Balancer:      "consistent_hash",
			EventLoops:    DefaultEventLoops,
			ProbeInterval: Duration(DefaultProbeInterval),
			MaxRetries:    2,
			RetryBackoff:  Duration(50 * time.Millisecond),
		},
		Pool: PoolConfig{
			MaxWait:            Duration(pc.MaxWait),
			MaxConnections:     pc.MaxConnections,
			MaxPendingRequests: pc.MaxPendingRequests,
			ExhaustedAction:    pc.ExhaustedAction,
		},
		Transport: TransportConfig{
			Codec:             to.Codec,
			DialTimeout:       Duration(to.DialTimeout),
			WriteTimeout:      Duration(to.WriteTimeout),
			HeartbeatInterval: Duration(to.HeartbeatInterval),
			IdleTimeout:       Duration(to.IdleTimeout),
			WriteQueueLimit:   to.WriteQueueLimit,
		},
		Registry: RegistryConfig{
			ServiceName: registry.DefaultServiceName,
			Servers:     []string{"127.0.0.1" + DefaultListen},
			DialTimeout: Duration(5 * time.Second),
			TTL:         10,
		},
		Server: ServerConfig{
			Listen:          DefaultListen,
			SweepInterval:   Duration(time.Minute),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		REST: RESTConfig{
			Enabled: true,
			Listen:  DefaultRESTListen,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// Load reads configuration from a TOML or YAML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch formatOf(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path in the format its extension names.
// It creates the parent directory if it doesn't exist.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error
	if loadbalance.New(c.Client.Balancer) == nil {
		errs = append(errs, fmt.Errorf("client.balancer %q is not supported", c.Client.Balancer))
	}
	if c.Client.EventLoops < 1 {
		errs = append(errs, errors.New("client.event_loops must be at least 1"))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, errors.New("client.max_retries must not be negative"))
	}
	if c.Client.RateLimit < 0 {
		errs = append(errs, errors.New("client.rate_limit must not be negative"))
	}
	if c.Client.RateLimit > 0 && c.Client.RateBurst < 1 {
		errs = append(errs, errors.New("client.rate_burst must be at least 1 when rate_limit is set"))
	}
	if c.Pool.MaxPendingRequests < 1 {
		errs = append(errs, errors.New("pool.max_pending_requests must be at least 1"))
	}
	if c.Transport.Codec != codec.CodecTypeJSON && c.Transport.Codec != codec.CodecTypeBinary {
		errs = append(errs, fmt.Errorf("transport.codec %d is not supported", c.Transport.Codec))
	}
	if c.Transport.WriteQueueLimit < 1 {
		errs = append(errs, errors.New("transport.write_queue_limit must be at least 1"))
	}
	if c.Registry.ServiceName == "" {
		errs = append(errs, errors.New("registry.service_name is required"))
	}
	if c.Registry.TTL < 1 {
		errs = append(errs, errors.New("registry.ttl must be at least 1 second"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.REST.Enabled && c.REST.Listen == "" {
		errs = append(errs, errors.New("rest.listen is required when rest is enabled"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// PoolConfig returns the per-address pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxWait:            c.Pool.MaxWait.Std(),
		MaxConnections:     c.Pool.MaxConnections,
		MaxPendingRequests: c.Pool.MaxPendingRequests,
		ExhaustedAction:    c.Pool.ExhaustedAction,
	}
}

// TransportOptions returns the connection options, logging to logger.
func (c *Config) TransportOptions(logger *zap.Logger) transport.Options {
	return transport.Options{
		Codec:             c.Transport.Codec,
		DialTimeout:       c.Transport.DialTimeout.Std(),
		WriteTimeout:      c.Transport.WriteTimeout.Std(),
		HeartbeatInterval: c.Transport.HeartbeatInterval.Std(),
		IdleTimeout:       c.Transport.IdleTimeout.Std(),
		WriteQueueLimit:   c.Transport.WriteQueueLimit,
		Logger:            logger,
	}
}

// ClientOptions returns the client options. sink may be nil.
func (c *Config) ClientOptions(logger *zap.Logger, sink *metrics.Sink) client.Options {
	return client.Options{
		ServiceName:    c.Registry.ServiceName,
		Balancer:       loadbalance.New(c.Client.Balancer),
		EventLoops:     c.Client.EventLoops,
		ProbeInterval:  c.Client.ProbeInterval.Std(),
		RequestTimeout: c.Client.RequestTimeout.Std(),
		MaxRetries:     c.Client.MaxRetries,
		RetryBackoff:   c.Client.RetryBackoff.Std(),
		RateLimit:      c.Client.RateLimit,
		RateBurst:      c.Client.RateBurst,
		Pool:           c.PoolConfig(),
		Transport:      c.TransportOptions(logger),
		Logger:         logger,
		Metrics:        sink,
	}
}

// ServerOptions returns the options of the reference server.
func (c *Config) ServerOptions(logger *zap.Logger) []server.Option {
	return []server.Option{
		server.WithLogger(logger),
		server.WithServiceName(c.Registry.ServiceName),
		server.WithSweepInterval(c.Server.SweepInterval.Std()),
		server.WithRegistrationTTL(c.Registry.TTL),
	}
}

// NewRegistry opens the etcd registry when endpoints are configured and
// falls back to the static server list otherwise.
func (c *Config) NewRegistry(logger *zap.Logger) (registry.Registry, error) {
	if len(c.Registry.Endpoints) > 0 {
		return registry.NewEtcdRegistry(c.Registry.Endpoints,
			registry.WithDialTimeout(c.Registry.DialTimeout.Std()),
			registry.WithEtcdLogger(logger))
	}
	return registry.NewStaticRegistryFromAddrs(c.Registry.ServiceName, c.Registry.Servers), nil
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
