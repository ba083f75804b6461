package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
user_id: u1
device_id: pixel_7
store:
  backend: memory
`)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info default", cfg.LogLevel)
	}
	if cfg.SpoolPath != filepath.Join(home, "spool.db") {
		t.Fatalf("spool path = %q", cfg.SpoolPath)
	}
	if cfg.Schedule.Screenshot == "" {
		t.Fatal("screenshot schedule default missing")
	}
	if cfg.Otel.ServiceName != "beacon" {
		t.Fatalf("otel service name = %q", cfg.Otel.ServiceName)
	}
}

func TestLoadFrom_MissingIdentity(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "store:\n  backend: memory\n")
	_, err := LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "user_id") {
		t.Fatalf("err = %v, want user_id validation failure", err)
	}
}

func TestLoadFrom_RemoteRequiresURL(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "user_id: u1\ndevice_id: d1\n")
	_, err := LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "store.url") {
		t.Fatalf("err = %v, want store.url validation failure", err)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
user_id: u1
device_id: d1
store:
  backend: memory
`)
	t.Setenv("BEACON_DEVICE_ID", "d2")
	t.Setenv("BEACON_LOG_LEVEL", "debug")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DeviceID != "d2" {
		t.Fatalf("device id = %q, want env override d2", cfg.DeviceID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFrom_UnknownBackend(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "user_id: u1\ndevice_id: d1\nstore:\n  backend: ftp\n")
	_, err := LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "unknown store backend") {
		t.Fatalf("err = %v, want unknown backend failure", err)
	}
}
