package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is everything needed to build a connector stack.
type Config struct {
	Dial    DialConfig    `yaml:"dial"`
	Proxy   ProxyConfig   `yaml:"proxy,omitempty"`
	TLS     TLSConfig     `yaml:"tls"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

type DialConfig struct {
	Timeout     Duration          `yaml:"timeout,omitempty"`
	KeepAlive   Duration          `yaml:"keep_alive,omitempty"`
	DNSServer   string            `yaml:"dns_server,omitempty"` // host:port
	Network     string            `yaml:"network,omitempty"`    // ip, ip4 or ip6
	StaticHosts map[string]string `yaml:"static_hosts,omitempty"`
}

// ProxyConfig routes every connection through an HTTP CONNECT proxy when URL
// is set.
type ProxyConfig struct {
	URL            string `yaml:"url,omitempty"`
	ResolveLocally bool   `yaml:"resolve_locally,omitempty"`
}

type TLSConfig struct {
	SystemRoots        bool     `yaml:"system_roots,omitempty"` // trust the host store instead of the bundled roots
	RootFiles          []string `yaml:"root_files,omitempty"`   // PEM files added to the roots in use
	ALPN               []string `yaml:"alpn,omitempty"`
	MinVersion         string   `yaml:"min_version,omitempty"` // "1.2" or "1.3"
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
}

type PoolConfig struct {
	Disabled        bool     `yaml:"disabled,omitempty"`
	MaxIdlePerKey   int      `yaml:"max_idle_per_key"`
	MaxIdle         int      `yaml:"max_idle,omitempty"`
	MaxActivePerKey int      `yaml:"max_active_per_key,omitempty"`
	IdleTimeout     Duration `yaml:"idle_timeout,omitempty"`
	SweepInterval   Duration `yaml:"sweep_interval,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // json or text
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

func Default() Config {
	return Config{
		Dial: DialConfig{
			Timeout:   Duration{30 * time.Second},
			KeepAlive: Duration{30 * time.Second},
		},
		TLS: TLSConfig{
			ALPN:       []string{"h2", "http/1.1"},
			MinVersion: "1.2",
		},
		Pool: PoolConfig{
			MaxIdlePerKey: 2,
			MaxIdle:       100,
			IdleTimeout:   Duration{90 * time.Second},
			SweepInterval: Duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Dial.Network {
	case "", "ip", "ip4", "ip6":
	default:
		errs = append(errs, fmt.Errorf("dial.network: unknown network %q", c.Dial.Network))
	}
	if c.Dial.Timeout.Duration < 0 {
		errs = append(errs, errors.New("dial.timeout: must not be negative"))
	}
	if c.Proxy.URL != "" && !strings.HasPrefix(c.Proxy.URL, "http://") && !strings.HasPrefix(c.Proxy.URL, "https://") {
		errs = append(errs, fmt.Errorf("proxy.url: unsupported scheme in %q", c.Proxy.URL))
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("tls.min_version: unsupported version %q", c.TLS.MinVersion))
	}
	if c.Pool.MaxIdlePerKey < 0 || c.Pool.MaxIdle < 0 || c.Pool.MaxActivePerKey < 0 {
		errs = append(errs, errors.New("pool: limits must not be negative"))
	}
	if c.Pool.IdleTimeout.Duration < 0 || c.Pool.SweepInterval.Duration < 0 {
		errs = append(errs, errors.New("pool: durations must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
