// Package config defines the configuration surface the core accepts and
// loads it from YAML, filling defaults the way the rest of the proxy
// expects them.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HTTPVersion selects which HTTP version the DoH client negotiates.
type HTTPVersion string

const (
	HTTPAuto    HTTPVersion = "auto"
	HTTPForce11 HTTPVersion = "force11"
	HTTPForce3  HTTPVersion = "force3"
)

// InvalidConfigError is returned when a required field is missing or a
// field holds an unsupported value.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

// Config is the full configuration surface recognized by the core, per
// the configuration options enumerated for the proxy.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	ListenPort     int    `yaml:"listen_port"`
	TCPClientLimit int    `yaml:"tcp_client_limit"`
	SourceAddr     string `yaml:"source_addr"`
}

type BootstrapConfig struct {
	Servers         []string `yaml:"servers"`
	ForceIPv4       bool     `yaml:"force_ipv4"`
	PollingInterval int      `yaml:"polling_interval_seconds"`
}

type UpstreamConfig struct {
	ResolverURL   string      `yaml:"resolver_url"`
	HTTPVersion   HTTPVersion `yaml:"http_version"`
	ProxyServer   string      `yaml:"proxy_server"`
	CAPath        string      `yaml:"ca_path"`
	MaxIdleTime   int         `yaml:"max_idle_time_seconds"`
	ConnLossTime  int         `yaml:"conn_loss_time_seconds"`
	MaxIdleConns  int         `yaml:"max_idle_conns_per_host"`
	DOHMethod     string      `yaml:"doh_method"`
	MaxRetries    int         `yaml:"max_retries"`
}

type CacheConfig struct {
	MaxTTLSeconds int `yaml:"max_ttl_seconds"`
	Capacity      int `yaml:"capacity"`
}

type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"`
	QPS             float64 `yaml:"qps"`
	Burst           int     `yaml:"burst"`
	ClientExpirySec int     `yaml:"client_expiry_seconds"`
}

type HeartbeatConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Interval int    `yaml:"interval_seconds"`
}

type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	BufferSize int      `yaml:"buffer_size"`

	File struct {
		Path        string `yaml:"path"`
		Permissions uint32 `yaml:"permissions"`
	} `yaml:"file"`
}

// Load reads and parses path, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.ListenPort == 0 {
		cfg.Server.ListenPort = 5053
	}
	if cfg.Server.TCPClientLimit == 0 {
		cfg.Server.TCPClientLimit = 20
	}

	if cfg.Bootstrap.PollingInterval == 0 {
		cfg.Bootstrap.PollingInterval = 120
	}

	if cfg.Upstream.HTTPVersion == "" {
		cfg.Upstream.HTTPVersion = HTTPAuto
	}
	if cfg.Upstream.MaxIdleTime == 0 {
		cfg.Upstream.MaxIdleTime = 118
	}
	if cfg.Upstream.ConnLossTime == 0 {
		cfg.Upstream.ConnLossTime = 15
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 32
	}
	if cfg.Upstream.DOHMethod == "" {
		cfg.Upstream.DOHMethod = "POST"
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 3
	}

	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 2048
	}

	if cfg.RateLimit.QPS == 0 {
		cfg.RateLimit.QPS = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.RateLimit.ClientExpirySec == 0 {
		cfg.RateLimit.ClientExpirySec = 300
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if len(cfg.Logging.Outputs) == 0 {
		cfg.Logging.Outputs = []string{"console"}
	}
	if cfg.Logging.BufferSize == 0 {
		cfg.Logging.BufferSize = 4096
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.ResolverURL == "" {
		return &InvalidConfigError{Reason: "upstream.resolver_url is required"}
	}
	if len(cfg.Bootstrap.Servers) == 0 {
		return &InvalidConfigError{Reason: "bootstrap.servers must not be empty"}
	}
	if !strings.HasPrefix(cfg.Upstream.ResolverURL, "https://") {
		return &InvalidConfigError{Reason: "upstream.resolver_url must be an https:// URL"}
	}
	method := strings.ToUpper(cfg.Upstream.DOHMethod)
	if method != "POST" && method != "GET" {
		return &InvalidConfigError{Reason: "upstream.doh_method must be POST or GET"}
	}
	return nil
}
