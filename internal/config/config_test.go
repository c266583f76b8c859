package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audit.WindowSeconds != 60 || cfg.Audit.MaxPerWindow != 5 || cfg.Audit.SuspiciousThreshold != 3 {
		t.Errorf("unexpected audit defaults: %+v", cfg.Audit)
	}
	if cfg.Session.DurationMinutes != 30 {
		t.Errorf("session.durationMinutes = %d, want 30", cfg.Session.DurationMinutes)
	}
	if cfg.Monitor.Enabled {
		t.Error("monitor should be disabled by default")
	}
	if cfg.Monitor.Host != "127.0.0.1" {
		t.Errorf("monitor.host = %q, want loopback", cfg.Monitor.Host)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
audit:
  maxPerWindow: 10
monitor:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audit.MaxPerWindow != 10 {
		t.Errorf("audit.maxPerWindow = %d, want 10", cfg.Audit.MaxPerWindow)
	}
	if cfg.Audit.WindowSeconds != 60 {
		t.Errorf("audit.windowSeconds should keep its default, got %d", cfg.Audit.WindowSeconds)
	}
	if !cfg.Monitor.Enabled {
		t.Error("monitor.enabled should be true")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("audit: [not a map"), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should fail")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero window", "audit:\n  windowSeconds: 0\n"},
		{"negative max", "audit:\n  maxPerWindow: -1\n"},
		{"zero session", "session:\n  durationMinutes: 0\n"},
		{"port out of range", "monitor:\n  port: 70000\n"},
		{"empty host", "monitor:\n  host: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.content), 0o644)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Protection.KeyRotationDays != 30 || cfg.Protection.AccessLogLimit != 100 {
		t.Errorf("unexpected protection defaults: %+v", cfg.Protection)
	}
}

func TestWatcher_FiresOnPolicyChange(t *testing.T) {
	dir := t.TempDir()

	policyCh := make(chan struct{}, 1)
	lockoutCh := make(chan struct{}, 1)
	w, err := NewWatcher(dir, WatchTargets{
		OnPolicyChange:  func() { policyCh <- struct{}{} },
		OnLockoutChange: func() { lockoutCh <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("rules: []\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-policyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("policy change callback did not fire")
	}

	if err := os.WriteFile(filepath.Join(dir, "locked.yaml"), []byte("locked: []\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-lockoutCh:
	case <-time.After(2 * time.Second):
		t.Fatal("lockout change callback did not fire")
	}

	// Unrelated files do not fire either callback.
	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644)
	select {
	case <-policyCh:
		t.Error("unrelated file fired the policy callback")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), WatchTargets{})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
