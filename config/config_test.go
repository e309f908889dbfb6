package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", Loader{lookup: envMap(nil)})
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("Load without file and env = %+v, want defaults", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectivity.yaml")
	yaml := `
connection:
  clientAskTimeout: 2s
  snapshotThreshold: 50
monitoring:
  logger:
    logDuration: 10m
redis:
  addr: redis:6379
log:
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, Loader{lookup: envMap(map[string]string{
		"CONNECTIVITY_CONNECTION_SNAPSHOT_THRESHOLD": "5",
	})})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Connection.ClientAskTimeout != 2*time.Second {
		t.Errorf("ClientAskTimeout = %v, want 2s", cfg.Connection.ClientAskTimeout)
	}
	if cfg.Connection.SnapshotThreshold != 5 {
		t.Errorf("SnapshotThreshold = %d, want 5 from env", cfg.Connection.SnapshotThreshold)
	}
	if cfg.Monitoring.Logger.LogDuration != 10*time.Minute {
		t.Errorf("LogDuration = %v, want 10m", cfg.Monitoring.Logger.LogDuration)
	}
	if cfg.Monitoring.Logger.Capacity != Default().Monitoring.Logger.Capacity {
		t.Errorf("Capacity = %d, want default", cfg.Monitoring.Logger.Capacity)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q, want redis:6379", cfg.Redis.Addr)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Loader{lookup: envMap(nil)}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Connection.InboxSize = 0
	cfg.Log.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should be valid: %v", err)
	}
}
