// Package config provides configuration loading and validation for the
// load balancer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduling policy names accepted in configuration.
const (
	PolicyRoundRobin = "round_robin"
	PolicyLeastConn  = "least_conn"
)

// Default values applied when neither the YAML file nor the environment
// provides a setting.
const (
	DefaultListenPort   = 64400
	DefaultMetricsPort  = 9000
	DefaultRedisURL     = "redis://127.0.0.1:6379"
	DefaultRegistryKey  = "mcs:node"
	DefaultTLSCertFile  = "tls/server.cert"
	DefaultTLSKeyFile   = "tls/server.key"
	DefaultMetricsPath  = "/metrics"
	DefaultMaxConns     = 10000
	DefaultMaxRegFails  = 5
	DefaultHealthFails  = 3
	DefaultClientRate   = 5
	DefaultClientBPS    = 100 * 1024
	DefaultClientBurst  = 16 * 1024
	DefaultNodeTTL      = 5 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultHealthEvery  = 3 * time.Second
	DefaultHealthWait   = 500 * time.Millisecond
	DefaultHandshake    = 10 * time.Second
	DefaultConnect      = 3 * time.Second
	DefaultDrainGrace   = 30 * time.Second
	DefaultShutdown     = 30 * time.Second
)

// Config is the full load balancer configuration.
type Config struct {
	// ListenAddress is the bind address for the public TLS listener.
	ListenAddress string `yaml:"listenAddress"`
	// ListenPort is the public TLS port.
	ListenPort int `yaml:"listenPort"`
	// MetricsPort serves the Prometheus scrape endpoint.
	MetricsPort int `yaml:"metricsPort"`
	// MetricsPath is the scrape path on the metrics port.
	MetricsPath string `yaml:"metricsPath"`

	// Policy selects the scheduling policy: round_robin or least_conn.
	Policy string `yaml:"policy"`

	// MaxConnections caps concurrent client connections.
	MaxConnections int `yaml:"maxConnections"`

	TLS      TLSConfig      `yaml:"tls"`
	Registry RegistryConfig `yaml:"registry"`
	Health   HealthConfig   `yaml:"health"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`

	// HandshakeTimeout bounds the TLS server handshake.
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`
	// ConnectTimeout bounds the dial to a backend.
	ConnectTimeout Duration `yaml:"connectTimeout"`
	// DrainGrace is how long a deregistered, drained backend record is
	// retained before it is garbage-collected from the pool.
	DrainGrace Duration `yaml:"drainGrace"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// TLSConfig locates the server certificate material.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// ReloadInterval enables certificate hot reload when positive.
	ReloadInterval Duration `yaml:"reloadInterval"`
}

// RegistryConfig configures the Redis registry synchronizer.
type RegistryConfig struct {
	// URL is the Redis connection string.
	URL string `yaml:"url"`
	// Key is the sorted-set holding backend heartbeats.
	Key string `yaml:"key"`
	// NodeTTL is the heartbeat freshness window: entries scored older
	// than now-NodeTTL are treated as expired.
	NodeTTL Duration `yaml:"nodeTTL"`
	// PollInterval is the registry query period.
	PollInterval Duration `yaml:"pollInterval"`
	// MaxFailures is the number of consecutive query failures after
	// which locally cached entries are allowed to age out.
	MaxFailures int `yaml:"maxFailures"`
}

// HealthConfig configures the active health checker.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	// FailureThreshold is the consecutive probe failures required to
	// mark a backend unhealthy.
	FailureThreshold int `yaml:"failureThreshold"`
}

// ClientConfig bounds per-client resource usage.
type ClientConfig struct {
	// ConnectionsPerSecond limits new connections per client IP.
	ConnectionsPerSecond float64 `yaml:"connectionsPerSecond"`
	// BandwidthBytesPerSecond limits decrypted read throughput per client.
	BandwidthBytesPerSecond float64 `yaml:"bandwidthBytesPerSecond"`
	// BandwidthBurstBytes is the bandwidth limiter burst size.
	BandwidthBurstBytes int `yaml:"bandwidthBurstBytes"`
	// IdleExpiry is how long an idle client entry is retained.
	IdleExpiry Duration `yaml:"idleExpiry"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ListenAddress:  "0.0.0.0",
		ListenPort:     DefaultListenPort,
		MetricsPort:    DefaultMetricsPort,
		MetricsPath:    DefaultMetricsPath,
		Policy:         PolicyRoundRobin,
		MaxConnections: DefaultMaxConns,
		TLS: TLSConfig{
			CertFile: DefaultTLSCertFile,
			KeyFile:  DefaultTLSKeyFile,
		},
		Registry: RegistryConfig{
			URL:          DefaultRedisURL,
			Key:          DefaultRegistryKey,
			NodeTTL:      Duration(DefaultNodeTTL),
			PollInterval: Duration(DefaultPollInterval),
			MaxFailures:  DefaultMaxRegFails,
		},
		Health: HealthConfig{
			Interval:         Duration(DefaultHealthEvery),
			Timeout:          Duration(DefaultHealthWait),
			FailureThreshold: DefaultHealthFails,
		},
		Client: ClientConfig{
			ConnectionsPerSecond:    DefaultClientRate,
			BandwidthBytesPerSecond: DefaultClientBPS,
			BandwidthBurstBytes:     DefaultClientBurst,
			IdleExpiry:              Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HandshakeTimeout: Duration(DefaultHandshake),
		ConnectTimeout:   Duration(DefaultConnect),
		DrainGrace:       Duration(DefaultDrainGrace),
		ShutdownTimeout:  Duration(DefaultShutdown),
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, in that order of precedence (environment
// wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() error {
	var err error

	if c.ListenPort, err = envInt("MCS_PORT", c.ListenPort); err != nil {
		return err
	}
	if c.MetricsPort, err = envInt("PROMETHEUS_PORT", c.MetricsPort); err != nil {
		return err
	}
	c.Registry.URL = envString("REDIS_URL", c.Registry.URL)
	c.Registry.Key = envString("REGISTRY_KEY", c.Registry.Key)
	c.TLS.CertFile = envString("TLS_CERT", c.TLS.CertFile)
	c.TLS.KeyFile = envString("TLS_KEY", c.TLS.KeyFile)
	c.Policy = envString("LB_POLICY", c.Policy)

	if c.Registry.PollInterval, err = envDuration("REGISTRY_POLL_INTERVAL", c.Registry.PollInterval); err != nil {
		return err
	}
	if c.Registry.NodeTTL, err = envDuration("NODE_TTL", c.Registry.NodeTTL); err != nil {
		return err
	}
	if c.Registry.MaxFailures, err = envInt("REGISTRY_MAX_FAILURES", c.Registry.MaxFailures); err != nil {
		return err
	}
	if c.Health.Interval, err = envDuration("HEALTH_INTERVAL", c.Health.Interval); err != nil {
		return err
	}
	if c.Health.Timeout, err = envDuration("HEALTH_TIMEOUT", c.Health.Timeout); err != nil {
		return err
	}
	if c.Health.FailureThreshold, err = envInt("HEALTH_FAILURE_THRESHOLD", c.Health.FailureThreshold); err != nil {
		return err
	}
	c.Log.Level = envString("LB_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LB_LOG_FORMAT", c.Log.Format)

	return nil
}

// Validate checks the configuration for fatal problems. Missing or
// unreadable TLS material is fatal: the balancer must never serve
// plaintext because a certificate failed to load.
func Validate(c *Config) error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.MetricsPort)
	}
	if c.MetricsPort == c.ListenPort {
		return fmt.Errorf("metrics port %d conflicts with listen port", c.MetricsPort)
	}

	switch c.Policy {
	case PolicyRoundRobin, PolicyLeastConn:
	default:
		return fmt.Errorf("unknown scheduling policy %q", c.Policy)
	}

	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("tls certificate and key files are required")
	}
	if _, err := os.Stat(c.TLS.CertFile); err != nil {
		return fmt.Errorf("tls certificate file: %w", err)
	}
	if _, err := os.Stat(c.TLS.KeyFile); err != nil {
		return fmt.Errorf("tls key file: %w", err)
	}

	if c.Registry.URL == "" {
		return fmt.Errorf("registry URL is required")
	}
	if c.Registry.PollInterval.Duration() <= 0 {
		return fmt.Errorf("registry poll interval must be positive")
	}
	if c.Registry.NodeTTL.Duration() <= 0 {
		return fmt.Errorf("registry node TTL must be positive")
	}
	if c.Registry.MaxFailures <= 0 {
		return fmt.Errorf("registry max failures must be positive")
	}
	if c.Health.Interval.Duration() <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.Health.Timeout.Duration() <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health failure threshold must be positive")
	}

	return nil
}

// envString returns the environment value for key, or fallback.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the integer environment value for key, or fallback.
func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}

// envDuration returns the duration environment value for key, or fallback.
func envDuration(key string, fallback Duration) (Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return Duration(d), nil
}
