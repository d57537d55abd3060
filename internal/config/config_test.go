package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
upstream:
  resolver_url: https://dns.example.com/dns-query
bootstrap:
  servers: ["8.8.8.8:53"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1" || cfg.Server.ListenPort != 5053 {
		t.Errorf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Upstream.HTTPVersion != HTTPAuto {
		t.Errorf("http_version default = %q, want %q", cfg.Upstream.HTTPVersion, HTTPAuto)
	}
	if cfg.Upstream.DOHMethod != "POST" {
		t.Errorf("doh_method default = %q, want POST", cfg.Upstream.DOHMethod)
	}
	if cfg.RateLimit.QPS != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("rate_limit defaults not applied: %+v", cfg.RateLimit)
	}
	if cfg.Logging.BufferSize != 4096 {
		t.Errorf("logging.buffer_size default = %d, want 4096", cfg.Logging.BufferSize)
	}
}

func TestLoadRejectsMissingResolverURL(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_port: 5353
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing upstream.resolver_url")
	}
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Errorf("error type = %T, want *InvalidConfigError", err)
	}
}

func TestLoadRejectsMissingBootstrapServers(t *testing.T) {
	path := writeConfig(t, `
upstream:
  resolver_url: https://dns.example.com/dns-query
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing bootstrap.servers")
	}
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Errorf("error type = %T, want *InvalidConfigError", err)
	}
}

func TestLoadRejectsNonHTTPSResolverURL(t *testing.T) {
	path := writeConfig(t, `
upstream:
  resolver_url: http://dns.example.com/dns-query
bootstrap:
  servers: ["8.8.8.8:53"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-https resolver_url")
	}
}

func TestLoadRejectsInvalidDOHMethod(t *testing.T) {
	path := writeConfig(t, `
upstream:
  resolver_url: https://dns.example.com/dns-query
  doh_method: PATCH
bootstrap:
  servers: ["8.8.8.8:53"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid doh_method")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
