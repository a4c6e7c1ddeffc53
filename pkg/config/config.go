package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverType selects the container driver.
type DriverType string

const (
	DriverLocalEngine DriverType = "local_engine"
	DriverCluster     DriverType = "cluster"
)

// PullPolicy controls image pulls on container create.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if_not_present"
	PullNever        PullPolicy = "never"
)

// ConnectMode selects how runtime endpoints are resolved.
type ConnectMode string

const (
	ConnectContainerNetwork ConnectMode = "container_network"
	ConnectHostPort         ConnectMode = "host_port"
	ConnectAuto             ConnectMode = "auto"
)

// Config is the full configuration surface of the orchestrator.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Driver      DriverConfig      `yaml:"driver"`
	Cargo       CargoConfig       `yaml:"cargo"`
	Security    SecurityConfig    `yaml:"security"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	GC          GCConfig          `yaml:"gc"`
	RuntimeHTTP RuntimeHTTPConfig `yaml:"runtime_http"`
	Log         LogConfig         `yaml:"log"`
	Profiles    []*Profile        `yaml:"profiles"`
}

// ServerConfig holds the API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	URL  string `yaml:"url"`
	Echo bool   `yaml:"echo"`
}

// DriverConfig holds driver selection and engine options.
type DriverConfig struct {
	Type DriverType `yaml:"type"`

	// SocketPath is the local engine socket (local_engine only). Empty
	// means the engine client's default.
	SocketPath string `yaml:"socket_path"`

	// Kubeconfig and Namespace apply to the cluster driver.
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`

	ImagePullPolicy PullPolicy  `yaml:"image_pull_policy"`
	ConnectMode     ConnectMode `yaml:"connect_mode"`

	// HostAddress is the address used for host_port endpoints.
	HostAddress string `yaml:"host_address"`

	// PublishPorts publishes runtime ports on the host.
	PublishPorts bool `yaml:"publish_ports"`

	// HostPort pins the published host port. Zero picks an ephemeral port.
	HostPort int `yaml:"host_port"`

	// StartupTimeoutSeconds bounds readiness probing per session.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
}

// CargoConfig holds cargo volume settings.
type CargoConfig struct {
	RootPath           string `yaml:"root_path"`
	DefaultSizeLimitMB int64  `yaml:"default_size_limit_mb"`
	MountPath          string `yaml:"mount_path"`
}

// SecurityConfig holds the admission settings.
type SecurityConfig struct {
	APIKey         string   `yaml:"api_key"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
	BlockedHosts   []string `yaml:"blocked_hosts"`
}

// IdempotencyConfig holds idempotency cache settings.
type IdempotencyConfig struct {
	Enabled  bool `yaml:"enabled"`
	TTLHours int  `yaml:"ttl_hours"`
}

// GCConfig holds garbage collector settings.
type GCConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RunOnStartup    bool   `yaml:"run_on_startup"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	InstanceID      string `yaml:"instance_id"`

	IdleSessions     GCTaskConfig `yaml:"idle_sessions"`
	ExpiredSandboxes GCTaskConfig `yaml:"expired_sandboxes"`
	OrphanCargos     GCTaskConfig `yaml:"orphan_cargos"`
	OrphanContainers GCTaskConfig `yaml:"orphan_containers"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// CoordinatorConfig selects how GC leadership is decided when several
// orchestrator instances share a database.
type CoordinatorConfig struct {
	// Mode is "single" (this instance always collects) or "raft".
	Mode string `yaml:"mode"`

	// Raft settings, used when Mode is "raft".
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	// Bootstrap makes this node found a new cluster.
	Bootstrap bool `yaml:"bootstrap"`
}

// GCTaskConfig enables or disables a single GC task.
type GCTaskConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RuntimeHTTPConfig bounds the shared HTTP client used for runtime adapters.
type RuntimeHTTPConfig struct {
	MaxConnsPerHost         int `yaml:"max_conns_per_host"`
	MaxIdleConns            int `yaml:"max_idle_conns"`
	IdleConnTimeoutSecs     int `yaml:"idle_conn_timeout_seconds"`
	ConnectTimeoutSecs      int `yaml:"connect_timeout_seconds"`
	RequestTimeoutSecs      int `yaml:"request_timeout_seconds"`
	KeepAliveSecs           int `yaml:"keepalive_seconds"`
	ResponseHeaderSecs      int `yaml:"response_header_timeout_seconds"`
	TLSHandshakeTimeoutSecs int `yaml:"tls_handshake_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8040},
		Database: DatabaseConfig{URL: "bay.db"},
		Driver: DriverConfig{
			Type:                  DriverLocalEngine,
			ImagePullPolicy:       PullIfNotPresent,
			ConnectMode:           ConnectAuto,
			HostAddress:           "127.0.0.1",
			PublishPorts:          true,
			StartupTimeoutSeconds: 120,
		},
		Cargo: CargoConfig{
			RootPath:           "/var/lib/bay/cargo",
			DefaultSizeLimitMB: 1024,
			MountPath:          "/workspace",
		},
		Security:    SecurityConfig{AllowAnonymous: true},
		Idempotency: IdempotencyConfig{Enabled: true, TTLHours: 24},
		GC: GCConfig{
			Enabled:          true,
			IntervalSeconds:  60,
			IdleSessions:     GCTaskConfig{Enabled: true},
			ExpiredSandboxes: GCTaskConfig{Enabled: true},
			OrphanCargos:     GCTaskConfig{Enabled: true},
			OrphanContainers: GCTaskConfig{Enabled: false},
			Coordinator:      CoordinatorConfig{Mode: "single"},
		},
		RuntimeHTTP: RuntimeHTTPConfig{
			MaxConnsPerHost:         32,
			MaxIdleConns:            64,
			IdleConnTimeoutSecs:     90,
			ConnectTimeoutSecs:      5,
			RequestTimeoutSecs:      300,
			KeepAliveSecs:           30,
			ResponseHeaderSecs:      60,
			TLSHandshakeTimeoutSecs: 10,
		},
		Log: LogConfig{Level: "info"},
	}
	return cfg
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration and normalizes profiles.
func (c *Config) Validate() error {
	switch c.Driver.Type {
	case DriverLocalEngine, DriverCluster:
	default:
		return fmt.Errorf("invalid driver type: %q", c.Driver.Type)
	}

	switch c.Driver.ImagePullPolicy {
	case PullAlways, PullIfNotPresent, PullNever:
	default:
		return fmt.Errorf("invalid image pull policy: %q", c.Driver.ImagePullPolicy)
	}

	switch c.Driver.ConnectMode {
	case ConnectContainerNetwork, ConnectHostPort, ConnectAuto:
	default:
		return fmt.Errorf("invalid connect mode: %q", c.Driver.ConnectMode)
	}

	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id: %q", p.ID)
		}
		seen[p.ID] = true
		if err := p.normalize(); err != nil {
			return fmt.Errorf("profile %q: %w", p.ID, err)
		}
	}

	return nil
}

// Profile returns the profile with the given id, or nil.
func (c *Config) Profile(id string) *Profile {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// GCInterval returns the cycle interval as a duration.
func (c *GCConfig) GCInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// IdempotencyTTL returns the record TTL as a duration.
func (c *IdempotencyConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// StartupTimeout returns the readiness deadline as a duration.
func (c *DriverConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}
