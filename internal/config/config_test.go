package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	body := `
server:
  port: 9999
supervisor:
  tick: 250ms
bridge:
  failure_threshold: 7
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CORRAL_SERVER_PORT", "8081")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Fatalf("env override lost: port=%d", cfg.Server.Port)
	}
	if got := Tick(cfg); got != 250*time.Millisecond {
		t.Fatalf("tick = %v, want 250ms", got)
	}
	if cfg.Bridge.FailureThreshold != 7 {
		t.Fatalf("failure_threshold = %d, want 7", cfg.Bridge.FailureThreshold)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative port")
	}
}

func TestDurationFallback(t *testing.T) {
	cfg := Default()
	cfg.Bridge.RequestTimeout = "not-a-duration"
	if got := BridgeTimeout(cfg); got != 10*time.Second {
		t.Fatalf("fallback = %v, want 10s", got)
	}
}
