package client

import (
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/resql/resql-go/transport"
	"github.com/resql/resql-go/transport/tcp"
)

const (
	// DefaultTimeout governs connect, reconnect and every request.
	DefaultTimeout = 10 * time.Second

	// DefaultClusterName is the cluster name a node uses unless configured.
	DefaultClusterName = "cluster"

	// DefaultEndpoint is the address a node listens on by default.
	DefaultEndpoint = "tcp://127.0.0.1:7600"
)

// Config configures a Session.
type Config struct {
	// ClientName identifies the session to the cluster. Reconnecting with the
	// same name resumes the server-side session.
	// Default: a random UUID
	ClientName string `yaml:"client_name"`

	// ClusterName must match the name the nodes were started with.
	// Default: "cluster"
	ClusterName string `yaml:"cluster_name"`

	// Endpoints are candidate node addresses, tried in order.
	// Format: tcp://host:port or unix:///path
	// Default: ["tcp://127.0.0.1:7600"]
	Endpoints []string `yaml:"endpoints"`

	// OutgoingAddr binds the local address of TCP connections.
	OutgoingAddr string `yaml:"outgoing_addr"`

	// OutgoingPort binds the local port of TCP connections.
	OutgoingPort int `yaml:"outgoing_port"`

	// Timeout applies to the initial connect, any reconnect, and each
	// Exec, Prepare and Delete call.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// DebugMode makes LastError include stack traces and details.
	DebugMode bool `yaml:"debug_mode"`

	// LogLevel (DEBUG, INFO, WARN, ERROR) enables a JSON logger on stderr
	// when Logger is nil. Empty leaves the session silent.
	LogLevel string `yaml:"log_level"`

	// Logger is the logger implementation to use. It takes precedence
	// over LogLevel.
	Logger Logger `yaml:"-"`

	// Registerer receives the session metrics. Nil disables registration.
	Registerer prometheus.Registerer `yaml:"-"`

	// Dialer opens connections. If nil, a tcp.Dialer honouring
	// OutgoingAddr and OutgoingPort is used.
	Dialer transport.Dialer `yaml:"-"`

	// OnStateChange is registered before the first connect attempt.
	OnStateChange StateChangeHandler `yaml:"-"`

	// Hooks run around every Exec, Prepare and Delete, in order.
	Hooks []Hook `yaml:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ClusterName: DefaultClusterName,
		Endpoints:   []string{DefaultEndpoint},
		Timeout:     DefaultTimeout,
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, newConfigError("path", "failed to read config file", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, newConfigError("", "failed to parse config", err)
	}
	return cfg, nil
}

// withDefaults fills zero fields. It never overrides explicit values.
func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = uuid.NewString()
	}
	if c.ClusterName == "" {
		c.ClusterName = DefaultClusterName
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{DefaultEndpoint}
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		if c.LogLevel != "" {
			c.Logger = NewLogger(c.LogLevel, os.Stderr)
		} else {
			c.Logger = NewNoopLogger()
		}
	}
	if c.Dialer == nil {
		c.Dialer = tcp.NewDialer(tcp.Options{
			OutgoingAddr: c.OutgoingAddr,
			OutgoingPort: c.OutgoingPort,
		})
	}
	return c
}

// Validate checks the configuration and returns a *ConfigError on failure.
// Zero values that have defaults are accepted.
func (c Config) Validate() error {
	_, err := c.ParseEndpoints()
	if err != nil {
		return err
	}
	if c.Timeout < 0 {
		return newConfigError("Timeout", "timeout must not be negative", nil)
	}
	if c.OutgoingPort < 0 || c.OutgoingPort > 65535 {
		return newConfigError("OutgoingPort", "outgoing port must be within 0-65535", nil)
	}
	if c.OutgoingAddr != "" && net.ParseIP(c.OutgoingAddr) == nil {
		return newConfigError("OutgoingAddr", "outgoing address must be an IP address", nil)
	}
	if _, ok := lookupLogLevel(c.LogLevel); c.LogLevel != "" && !ok {
		return newConfigError("LogLevel", "unknown log level "+c.LogLevel, nil)
	}
	if len(c.ClientName) > maxNameLen {
		return newConfigError("ClientName", "client name is too long", nil)
	}
	if len(c.ClusterName) > maxNameLen {
		return newConfigError("ClusterName", "cluster name is too long", nil)
	}
	return nil
}

const maxNameLen = 4096

// ParseEndpoints parses Endpoints, defaulting to DefaultEndpoint when empty.
func (c Config) ParseEndpoints() ([]transport.Endpoint, error) {
	raw := c.Endpoints
	if len(raw) == 0 {
		raw = []string{DefaultEndpoint}
	}

	eps := make([]transport.Endpoint, 0, len(raw))
	for _, s := range raw {
		ep, err := transport.ParseEndpoint(s)
		if err != nil {
			return nil, newConfigError("Endpoints", "invalid endpoint "+s, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
