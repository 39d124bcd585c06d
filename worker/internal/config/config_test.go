package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.BrokerURL != "http://localhost:5000" {
		t.Fatalf("broker url = %q", cfg.BrokerURL)
	}
	if cfg.PollInterval != 2*time.Second || cfg.MaxRetries != 3 {
		t.Fatalf("poll=%s retries=%d, want defaults", cfg.PollInterval, cfg.MaxRetries)
	}
	if cfg.VMID == "" {
		t.Fatalf("expected generated vm id")
	}
}

func TestYAMLFileOverridesEnv(t *testing.T) {
	t.Setenv("CODEQUEUE_BROKER_URL", "http://env:5000")
	t.Setenv("CODEQUEUE_MAX_RETRIES", "5")

	path := filepath.Join(t.TempDir(), "worker.yaml")
	body := "broker_url: http://file:6000\npoll_seconds: 9\nminio_use_ssl: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CODEQUEUE_WORKER_CONFIG", path)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.BrokerURL != "http://file:6000" {
		t.Fatalf("broker url = %q, want file value", cfg.BrokerURL)
	}
	if cfg.PollInterval != 9*time.Second {
		t.Fatalf("poll interval = %s, want 9s", cfg.PollInterval)
	}
	if !cfg.MinIOUseSSL {
		t.Fatalf("minio_use_ssl not applied from file")
	}
	// Keys absent from the file keep their env values.
	if cfg.MaxRetries != 5 {
		t.Fatalf("max retries = %d, want env value 5", cfg.MaxRetries)
	}
}

func TestBadYAMLFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CODEQUEUE_WORKER_CONFIG", path)
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for malformed config file")
	}
}

func TestGenerateVMIDShape(t *testing.T) {
	id := GenerateVMID()
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		t.Fatalf("vm id = %q, want host_epoch_pid", id)
	}
}
