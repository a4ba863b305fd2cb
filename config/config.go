// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "MQTTGW_"

	// BackendEnv is the plain variable holding a comma separated primary backend list.
	BackendEnv = "BACKEND"

	DiscoveryStatic = "static"
	DiscoveryEtcd   = "etcd"
)

// Config holds all configuration for the MQTT gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Upstream  UpstreamConfig  `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Balancer  BalancerConfig  `yaml:"balancer" envPrefix:"BALANCER_"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr" env:"TCP_ADDR"`
	TLSAddr         string        `yaml:"tls_addr" env:"TLS_ADDR"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"` // PEM chain, leaf first
	TLSKeyFile      string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`   // PKCS8 key
	TLSCAFile       string        `yaml:"tls_ca_file" env:"TLS_CA_FILE"`     // client trust store; empty means the cert chain
	WSAddr          string        `yaml:"ws_addr" env:"WS_ADDR"`
	WSPath          string        `yaml:"ws_path" env:"WS_PATH"`
	HealthAddr      string        `yaml:"health_addr" env:"HEALTH_ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"` // OTLP endpoint
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxInflight     int           `yaml:"max_inflight" env:"MAX_INFLIGHT"`
	TCPEnabled      bool          `yaml:"tcp_enabled" env:"TCP_ENABLED"`
	TLSEnabled      bool          `yaml:"tls_enabled" env:"TLS_ENABLED"`
	WSEnabled       bool          `yaml:"ws_enabled" env:"WS_ENABLED"`
	HealthEnabled   bool          `yaml:"health_enabled" env:"HEALTH_ENABLED"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"METRICS_ENABLED"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name" env:"OTEL_SERVICE_NAME"`
	OtelServiceVersion  string  `yaml:"otel_service_version" env:"OTEL_SERVICE_VERSION"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled" env:"OTEL_TRACES_ENABLED"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled" env:"OTEL_METRICS_ENABLED"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate" env:"OTEL_TRACE_SAMPLE_RATE"` // 0.0 to 1.0
	OtelInsecure        bool    `yaml:"otel_insecure" env:"OTEL_INSECURE"`                   // plaintext gRPC to the collector
}

// UpstreamConfig holds settings for connections opened towards backend brokers.
type UpstreamConfig struct {
	KeepAlive      time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	AckTimeout     time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	SessionPresent bool          `yaml:"session_present" env:"SESSION_PRESENT"` // reported in every CONNACK

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// CircuitBreakerConfig holds per-backend connect breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// BalancerConfig holds load balancer cadences.
type BalancerConfig struct {
	DiscoveryInterval time.Duration `yaml:"discovery_interval" env:"DISCOVERY_INTERVAL"` // 0 disables refresh after startup
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" env:"DISCOVERY_TIMEOUT"`   // bounds one discovery round
	HealthInterval    time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`       // 0 disables health checks after startup
	HealthTimeout     time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
	Parallel          bool          `yaml:"parallel_health_check" env:"PARALLEL_HEALTH_CHECK"`
	Attempts          int           `yaml:"attempts" env:"ATTEMPTS"`
	Replicas          int           `yaml:"replicas" env:"REPLICAS"` // ring points per unit of weight
}

// DiscoveryConfig holds backend discovery settings.
type DiscoveryConfig struct {
	Type              string     `yaml:"type" env:"TYPE"` // static, etcd
	Backends          []string   `yaml:"backends" env:"BACKENDS" envSeparator:","`
	SecondaryBackends []string   `yaml:"secondary_backends" env:"SECONDARY_BACKENDS" envSeparator:","` // non-empty enables dual mode
	Etcd              EtcdConfig `yaml:"etcd" envPrefix:"ETCD_"`
}

// EtcdConfig holds etcd discovery settings.
type EtcdConfig struct {
	Endpoints       []string      `yaml:"endpoints" env:"ENDPOINTS" envSeparator:","`
	Prefix          string        `yaml:"prefix" env:"PREFIX"`
	SecondaryPrefix string        `yaml:"secondary_prefix" env:"SECONDARY_PREFIX"` // non-empty enables dual mode
	DialTimeout     time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	ConnectionRate  float64       `yaml:"connection_rate" env:"CONNECTION_RATE"` // connections per second per IP
	ConnectionBurst int           `yaml:"connection_burst" env:"CONNECTION_BURST"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	PublishRate     float64       `yaml:"publish_rate" env:"PUBLISH_RATE"` // publishes per second per client, 0 disables
	PublishBurst    int           `yaml:"publish_burst" env:"PUBLISH_BURST"`
	SubscribeRate   float64       `yaml:"subscribe_rate" env:"SUBSCRIBE_RATE"` // subscribes per second per client, 0 disables
	SubscribeBurst  int           `yaml:"subscribe_burst" env:"SUBSCRIBE_BURST"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1884",
			TLSAddr:         ":1885",
			TLSCertFile:     "resources/server.chain.crt",
			TLSKeyFile:      "resources/server.pkcs8.key",
			WSAddr:          ":8083",
			WSPath:          "/mqtt",
			HealthAddr:      ":8081",
			MetricsAddr:     "localhost:4317",
			MaxConnections:  10000,
			ShutdownTimeout: 30 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxInflight:     1024,
			TCPEnabled:      true,
			TLSEnabled:      true,
			WSEnabled:       false,
			HealthEnabled:   true,
			MetricsEnabled:  false,

			OtelServiceName:     "mqtt-gateway",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
		},
		Upstream: UpstreamConfig{
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			AckTimeout:     30 * time.Second,
			SessionPresent: false,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Balancer: BalancerConfig{
			DiscoveryInterval: 60 * time.Second,
			DiscoveryTimeout:  5 * time.Second,
			HealthInterval:    60 * time.Second,
			HealthTimeout:     time.Second,
			Parallel:          true,
			Attempts:          1,
			Replicas:          160,
		},
		Discovery: DiscoveryConfig{
			Type:     DiscoveryStatic,
			Backends: []string{"127.0.0.1:1883"},
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				Prefix:      "/mqttgw/backends/",
				DialTimeout: 5 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			ConnectionRate:  100.0 / 60.0,
			ConnectionBurst: 20,
			CleanupInterval: 5 * time.Minute,
			PublishRate:     1000,
			PublishBurst:    100,
			SubscribeRate:   100,
			SubscribeBurst:  10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// If the file doesn't exist, defaults are used as the base.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnv applies environment overrides. A .env file in the working
// directory is read first when present; variables already set win.
func (c *Config) LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if v, ok := os.LookupEnv(BackendEnv); ok && strings.TrimSpace(v) != "" {
		c.Discovery.Backends = SplitList(v)
	}

	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DualMode reports whether sessions fan out to a secondary backend set.
func (c *Config) DualMode() bool {
	if c.Discovery.Type == DiscoveryEtcd {
		return c.Discovery.Etcd.SecondaryPrefix != ""
	}
	return len(c.Discovery.SecondaryBackends) > 0
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Server.TCPEnabled && !c.Server.TLSEnabled && !c.Server.WSEnabled {
		return fmt.Errorf("at least one of server.tcp_enabled, server.tls_enabled, server.ws_enabled must be set")
	}
	if c.Server.TCPEnabled && c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSAddr == "" {
			return fmt.Errorf("server.tls_addr cannot be empty when TLS is enabled")
		}
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}
	if c.Server.WSEnabled && (c.Server.WSAddr == "" || c.Server.WSPath == "") {
		return fmt.Errorf("server.ws_addr and server.ws_path required when websocket is enabled")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.MaxInflight < 1 || c.Server.MaxInflight > 65535 {
		return fmt.Errorf("server.max_inflight must be between 1 and 65535")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Upstream.KeepAlive < time.Second || c.Upstream.KeepAlive > 65535*time.Second {
		return fmt.Errorf("upstream.keep_alive must be between 1s and 65535s")
	}
	if c.Upstream.ConnectTimeout <= 0 {
		return fmt.Errorf("upstream.connect_timeout must be positive")
	}
	if c.Upstream.AckTimeout <= 0 {
		return fmt.Errorf("upstream.ack_timeout must be positive")
	}
	if c.Upstream.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("upstream.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Balancer.DiscoveryInterval < 0 || c.Balancer.HealthInterval < 0 {
		return fmt.Errorf("balancer intervals cannot be negative")
	}
	if c.Balancer.HealthTimeout <= 0 {
		return fmt.Errorf("balancer.health_timeout must be positive")
	}
	if c.Balancer.Attempts < 1 {
		return fmt.Errorf("balancer.attempts must be at least 1")
	}
	if c.Balancer.Replicas < 1 {
		return fmt.Errorf("balancer.replicas must be at least 1")
	}

	switch c.Discovery.Type {
	case DiscoveryStatic:
		if len(c.Discovery.Backends) == 0 {
			return fmt.Errorf("discovery.backends cannot be empty")
		}
		for _, list := range [][]string{c.Discovery.Backends, c.Discovery.SecondaryBackends} {
			for _, addr := range list {
				if _, _, err := net.SplitHostPort(addr); err != nil {
					return fmt.Errorf("invalid backend address %q: %w", addr, err)
				}
			}
		}
	case DiscoveryEtcd:
		if len(c.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("discovery.etcd.endpoints required when discovery type is etcd")
		}
		if c.Discovery.Etcd.Prefix == "" {
			return fmt.Errorf("discovery.etcd.prefix required when discovery type is etcd")
		}
	default:
		return fmt.Errorf("discovery.type must be one of: static, etcd")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.ConnectionRate <= 0 || c.RateLimit.ConnectionBurst < 1 {
			return fmt.Errorf("rate_limit connection rate and burst must be positive")
		}
		if c.RateLimit.CleanupInterval < time.Second {
			return fmt.Errorf("rate_limit.cleanup_interval must be at least 1 second")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
