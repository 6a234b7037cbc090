package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port: got %d, want 8080", cfg.Port)
	}
	if cfg.Limits.Message.Max != 30 || cfg.Limits.Message.Window != time.Minute {
		t.Errorf("message limit: got %+v, want 30/1m", cfg.Limits.Message)
	}
	if cfg.Limits.Connect.Max != 100 || cfg.Limits.Connect.Window != time.Minute {
		t.Errorf("connect limit: got %+v, want 100/1m", cfg.Limits.Connect)
	}
	if cfg.DefaultChannel != "c1" {
		t.Errorf("DefaultChannel: got %q, want c1", cfg.DefaultChannel)
	}
	if cfg.Call.RingTimeout != 45*time.Second {
		t.Errorf("RingTimeout: got %v, want 45s", cfg.Call.RingTimeout)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	data := []byte(`
port: 9000
store:
  driver: memory
limits:
  message:
    max: 5
    window: 10s
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port: got %d, want 9000", cfg.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver: got %q, want memory", cfg.Store.Driver)
	}
	if cfg.Limits.Message.Max != 5 || cfg.Limits.Message.Window != 10*time.Second {
		t.Errorf("message limit: got %+v", cfg.Limits.Message)
	}
	servers := cfg.WebRTCICEServers()
	if len(servers) != 1 || servers[0].Username != "u" || servers[0].Credential != "p" {
		t.Errorf("ice servers: got %+v", servers)
	}
}

func TestLoadFileRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: mongo\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoadFileNeverUsesPlaceholderSecret(t *testing.T) {
	dir := t.TempDir()
	placeholder := filepath.Join(dir, "placeholder.yaml")
	if err := os.WriteFile(placeholder, []byte("secret: change-me\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	explicit := filepath.Join(dir, "explicit.yaml")
	if err := os.WriteFile(explicit, []byte("secret: s3cr3t-from-ops\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	first, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if first.Mode != "release" {
		t.Fatalf("Mode: got %q, want release", first.Mode)
	}
	if first.Secret == "" || first.Secret == insecureSecret || len(first.Secret) != 64 {
		t.Errorf("default secret: got %q, want 64 random hex chars", first.Secret)
	}
	second, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if first.Secret == second.Secret {
		t.Error("generated secrets repeat across loads")
	}

	cfg, err := LoadFile(placeholder)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Secret == insecureSecret {
		t.Error("placeholder secret was kept")
	}

	cfg, err = LoadFile(explicit)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Secret != "s3cr3t-from-ops" {
		t.Errorf("explicit secret: got %q", cfg.Secret)
	}
}

func TestLoadFileAllowedOrigins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origins.yaml")
	data := []byte("allowed_origins:\n  - https://app.example.org\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.org" {
		t.Errorf("AllowedOrigins: got %v", cfg.AllowedOrigins)
	}
}
