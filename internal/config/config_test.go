package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleINI = `
[mariadb]
listen = :3307
default = main
history_max_entries = 500
history_overflow_policy = error_on_adoption

[mariadb.main]
primary = 10.0.0.1:3306
replicas = 10.0.0.2:3306, 10.0.0.3:3306
databases = app, billing

[users]
root = s3cr3t

[admin]
listen = 127.0.0.1:8081
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_ParsesShardsAndDBMap(t *testing.T) {
	path := writeTempConfig(t, sampleINI)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":3307" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	shard, ok := cfg.Shards["main"]
	if !ok {
		t.Fatal("expected shard \"main\"")
	}
	if shard.Primary != "10.0.0.1:3306" {
		t.Errorf("Primary = %q", shard.Primary)
	}
	if len(shard.Replicas) != 2 {
		t.Errorf("Replicas = %v, want 2 entries", shard.Replicas)
	}
	if cfg.DBMap["app"] != "main" || cfg.DBMap["billing"] != "main" {
		t.Errorf("DBMap = %v", cfg.DBMap)
	}
}

func TestLoad_ParsesUsersAndHistoryPolicy(t *testing.T) {
	path := writeTempConfig(t, sampleINI)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Users["root"] != "s3cr3t" {
		t.Errorf("Users[root] = %q", cfg.Auth.Users["root"])
	}
	if cfg.History.MaxEntries != 500 {
		t.Errorf("MaxEntries = %d", cfg.History.MaxEntries)
	}
	if cfg.History.OverflowPolicy != "error_on_adoption" {
		t.Errorf("OverflowPolicy = %q", cfg.History.OverflowPolicy)
	}
	if cfg.Admin.Listen != "127.0.0.1:8081" {
		t.Errorf("Admin.Listen = %q", cfg.Admin.Listen)
	}
}

func TestLoad_MissingShardsLeavesEmptyMapNotError(t *testing.T) {
	path := writeTempConfig(t, "[mariadb]\nlisten = :3307\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Shards) != 0 {
		t.Errorf("expected no shards, got %v", cfg.Shards)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleINI)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := sampleINI + "\n# touch\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Listen != ":3307" {
			t.Errorf("reloaded Listen = %q", cfg.Listen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
