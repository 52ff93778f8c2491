package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Admin.IP != DefaultAdminIP {
		t.Errorf("expected admin ip %s, got %s", DefaultAdminIP, cfg.Admin.IP)
	}
	if cfg.Admin.Port != DefaultAdminPort {
		t.Errorf("expected admin port %d, got %d", DefaultAdminPort, cfg.Admin.Port)
	}
	if cfg.Admin.MetricsIntervalSecs != DefaultMetricsIntervalSecs {
		t.Errorf("expected metrics interval %d, got %d", DefaultMetricsIntervalSecs, cfg.Admin.MetricsIntervalSecs)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if len(cfg.Routers) != 0 {
		t.Errorf("expected no routers by default, got %d", len(cfg.Routers))
	}
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const minimalYAML = `
admin:
  port: 4140
routers:
  - label: outgoing
    interpreter:
      kind: io.l5d.namerd.http
      baseUrl: http://namerd:4180
      namespace: default
      periodSecs: 5
    servers:
      - port: 4240
        dstName: /svc/echo
    client:
      kind: io.l5d.static
      configs:
        - prefix: /svc/
`

func TestLoadConfig_Minimal(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Admin.Port != 4140 {
		t.Errorf("expected admin port 4140, got %d", cfg.Admin.Port)
	}
	if len(cfg.Routers) != 1 {
		t.Fatalf("expected 1 router, got %d", len(cfg.Routers))
	}
	r := cfg.Routers[0]
	if r.Label != "outgoing" {
		t.Errorf("expected label outgoing, got %s", r.Label)
	}
	if r.Interpreter.Namespace != "default" {
		t.Errorf("expected namespace default, got %s", r.Interpreter.Namespace)
	}
	if len(r.Servers) != 1 || r.Servers[0].DstName != "/svc/echo" {
		t.Errorf("unexpected servers: %+v", r.Servers)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_RejectsMissingLabel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routers = []RouterConfig{{
		Interpreter: InterpreterConfig{BaseURL: "http://x", Namespace: "ns"},
		Servers:     []ServerConfig{{Port: 1, DstName: "/svc/a"}},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing label")
	}
}

func TestValidate_RejectsDuplicateLabel(t *testing.T) {
	cfg := DefaultConfig()
	router := RouterConfig{
		Label:       "dup",
		Interpreter: InterpreterConfig{BaseURL: "http://x", Namespace: "ns"},
		Servers:     []ServerConfig{{Port: 1, DstName: "/svc/a"}},
	}
	cfg.Routers = []RouterConfig{router, router}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for duplicate label")
	}
}

func TestValidate_RejectsNoServers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routers = []RouterConfig{{
		Label:       "empty",
		Interpreter: InterpreterConfig{BaseURL: "http://x", Namespace: "ns"},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for router with no servers")
	}
}

func TestValidate_RejectsZeroAdminPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admin.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero admin port")
	}
}

func TestServerConfig_ConnectTimeoutDefault(t *testing.T) {
	s := ServerConfig{}
	if s.ConnectTimeout().Seconds() != 10 {
		t.Errorf("expected default connect timeout of 10s, got %v", s.ConnectTimeout())
	}
}

func TestClientPrefixConfig_ConnectTimeoutOverride(t *testing.T) {
	c := ClientPrefixConfig{ConnectTimeoutMs: 2500}
	if c.ConnectTimeout().Milliseconds() != 2500 {
		t.Errorf("expected 2500ms, got %v", c.ConnectTimeout())
	}
}
