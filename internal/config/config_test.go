package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaulthalla.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "fuse:\n  root_mount_path: /mnt/test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fuse.RootMountPath != "/mnt/test" {
		t.Errorf("mount path = %q", cfg.Fuse.RootMountPath)
	}
	if cfg.Database.PoolSize != 10 {
		t.Errorf("default pool size = %d, want 10", cfg.Database.PoolSize)
	}
	if cfg.Sync.StallThresholdSecs != 120 {
		t.Errorf("default stall threshold = %d, want 120", cfg.Sync.StallThresholdSecs)
	}
	if cfg.Fuse.EntryTTLSecs != 60 {
		t.Errorf("default entry ttl = %d, want 60", cfg.Fuse.EntryTTLSecs)
	}
}

func TestLoad_Overrides(t *testing.T) {
	body := `
fuse:
  root_mount_path: /mnt/vh
  allow_other: true
storage:
  backing_root: /srv/vh
database:
  path: /srv/vh/meta.db
  pool_size: 4
caching:
  max_size_mb: 512
  files:
    expiry_days: 7
logging:
  level: warn
  levels:
    sync: debug
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Fuse.AllowOther {
		t.Error("allow_other not parsed")
	}
	if cfg.Database.PoolSize != 4 {
		t.Errorf("pool size = %d, want 4", cfg.Database.PoolSize)
	}
	if cfg.Caching.Files.ExpiryDays != 7 {
		t.Errorf("files expiry = %d, want 7", cfg.Caching.Files.ExpiryDays)
	}
	if cfg.Logging.Levels["sync"] != "debug" {
		t.Errorf("sync level = %q", cfg.Logging.Levels["sync"])
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VAULTHALLA_DB_POOL_SIZE", "3")
	t.Setenv("VAULTHALLA_DEV", "1")
	cfg, err := Load(writeConfig(t, "fuse:\n  root_mount_path: /mnt/test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PoolSize != 3 {
		t.Errorf("env pool size = %d, want 3", cfg.Database.PoolSize)
	}
	if !cfg.Dev.Enabled {
		t.Error("VAULTHALLA_DEV=1 should enable dev mode")
	}
}

func TestLoad_InvalidPoolSize(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  pool_size: -1\n"))
	if err == nil {
		t.Error("expected error for negative pool size")
	}
}
