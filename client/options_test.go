package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/resql/resql-go/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 10*time.Second {
		t.Errorf("expected Timeout=10s, got %v", cfg.Timeout)
	}

	if cfg.ClusterName != "cluster" {
		t.Errorf("expected ClusterName=cluster, got %s", cfg.ClusterName)
	}

	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0] != "tcp://127.0.0.1:7600" {
		t.Errorf("unexpected default endpoints %v", cfg.Endpoints)
	}

	if cfg.DebugMode {
		t.Error("expected DebugMode=false")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.ClientName == "" {
		t.Error("expected a generated client name")
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", cfg.Timeout)
	}
	if cfg.Logger == nil || cfg.Dialer == nil {
		t.Error("expected logger and dialer to be filled in")
	}

	other := Config{}.withDefaults()
	if other.ClientName == cfg.ClientName {
		t.Error("expected generated client names to differ")
	}

	explicit := Config{ClientName: "app", Timeout: time.Second}.withDefaults()
	if explicit.ClientName != "app" || explicit.Timeout != time.Second {
		t.Errorf("explicit values overridden: %+v", explicit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"defaults", DefaultConfig(), ""},
		{"zero", Config{}, ""},
		{"unix endpoint", Config{Endpoints: []string{"unix:///tmp/resql.sock"}}, ""},
		{"bad scheme", Config{Endpoints: []string{"http://127.0.0.1:80"}}, "Endpoints"},
		{"bad port", Config{Endpoints: []string{"tcp://127.0.0.1:0"}}, "Endpoints"},
		{"negative timeout", Config{Timeout: -time.Second}, "Timeout"},
		{"outgoing port", Config{OutgoingPort: 70000}, "OutgoingPort"},
		{"outgoing addr", Config{OutgoingAddr: "not-an-ip"}, "OutgoingAddr"},
		{"long client name", Config{ClientName: string(make([]byte, maxNameLen+1))}, "ClientName"},
		{"log level", Config{LogLevel: "debug"}, ""},
		{"unknown log level", Config{LogLevel: "verbose"}, "LogLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T (%v)", err, err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	cfg := Config{Endpoints: []string{"tcp://10.0.0.1:7600", "unix:///var/run/resql.sock"}}

	eps, err := cfg.ParseEndpoints()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []transport.Endpoint{
		{Scheme: transport.SchemeTCP, Address: "10.0.0.1:7600"},
		{Scheme: transport.SchemeUnix, Address: "/var/run/resql.sock"},
	}
	if len(eps) != len(want) {
		t.Fatalf("expected %d endpoints, got %d", len(want), len(eps))
	}
	for i := range want {
		if eps[i] != want[i] {
			t.Errorf("endpoint %d: expected %+v, got %+v", i, want[i], eps[i])
		}
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
client_name: reporting
cluster_name: prod
endpoints:
  - tcp://10.0.0.1:7600
  - tcp://10.0.0.2:7600
timeout: 3s
debug_mode: true
log_level: DEBUG
`)

	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientName != "reporting" || cfg.ClusterName != "prod" {
		t.Errorf("unexpected names: %s %s", cfg.ClientName, cfg.ClusterName)
	}
	if len(cfg.Endpoints) != 2 {
		t.Errorf("expected 2 endpoints, got %v", cfg.Endpoints)
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("expected timeout 3s, got %v", cfg.Timeout)
	}
	if !cfg.DebugMode || cfg.LogLevel != "DEBUG" {
		t.Errorf("expected debug settings, got %+v", cfg)
	}
}

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("client_name: only-name\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeout != DefaultTimeout || cfg.ClusterName != DefaultClusterName {
		t.Errorf("expected defaults to survive, got %+v", cfg)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("endpoints: [unterminated"))

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resql.yaml")
	if err := os.WriteFile(path, []byte("cluster_name: staging\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClusterName != "staging" {
		t.Errorf("expected cluster staging, got %s", cfg.ClusterName)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); StatusOf(err) != StatusConfigError {
		t.Errorf("expected config error for missing file, got %v", err)
	}
}
