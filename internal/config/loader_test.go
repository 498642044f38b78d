package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "frontclaw.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugins:
  dirs: ["./plugins"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default server addr, got %q", cfg.Server.Addr)
	}
	if cfg.Chat.Model != "default" {
		t.Fatalf("expected default chat model, got %q", cfg.Chat.Model)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
plugins:
  dirs: ["./plugins"]
bogus_top_level_key: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRequiresPluginDirs(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "plugins.dirs") {
		t.Fatalf("expected plugins.dirs validation error, got %v", err)
	}
}

func TestLoadRequiresRedisAddrWhenSelected(t *testing.T) {
	path := writeConfig(t, `
plugins:
  dirs: ["./plugins"]
memory:
  backend: redis
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "memory.redis.addr") {
		t.Fatalf("expected memory.redis.addr validation error, got %v", err)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	mainPath := filepath.Join(dir, "main.yaml")

	if err := os.WriteFile(basePath, []byte(`
plugins:
  dirs: ["./plugins"]
  deny_list: ["legacy-echo"]
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mainPath, []byte(`
$include: base.yaml
server:
  addr: ":9999"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected overridden addr, got %q", cfg.Server.Addr)
	}
	if len(cfg.Plugins.Dirs) != 1 || cfg.Plugins.Dirs[0] != "./plugins" {
		t.Fatalf("expected dirs from included file, got %v", cfg.Plugins.Dirs)
	}
	if len(cfg.Plugins.DenyList) != 1 || cfg.Plugins.DenyList[0] != "legacy-echo" {
		t.Fatalf("expected deny_list from included file, got %v", cfg.Plugins.DenyList)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("FRONTCLAW_REDIS_ADDR", "redis.internal:6379")
	path := writeConfig(t, `
plugins:
  dirs: ["./plugins"]
memory:
  backend: redis
  redis:
    addr: "${FRONTCLAW_REDIS_ADDR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memory.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("expected expanded env var, got %q", cfg.Memory.Redis.Addr)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.yaml")
	bPath := filepath.Join(dir, "b.yaml")

	if err := os.WriteFile(aPath, []byte(`$include: b.yaml`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bPath, []byte(`$include: a.yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(aPath)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}
