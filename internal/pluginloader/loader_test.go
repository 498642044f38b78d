package pluginloader

import (
	"os"
	"path/filepath"
	"testing"
)

func writePlugin(t *testing.T, root, id string, priority int, manifestExtra string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# "+id), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.js"), []byte("// entry"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := `{
		"id": "` + id + `",
		"name": "` + id + `",
		"version": "1.0.0",
		"main": "main.js",
		"priority": ` + itoa(priority) + `,
		"permissions": {}
		` + manifestExtra + `
	}`
	if err := os.WriteFile(filepath.Join(dir, "frontclaw.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestLoadSortsByPriorityThenID(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "zeta", 50, "")
	writePlugin(t, root, "alpha", 50, "")
	writePlugin(t, root, "beta", 10, "")

	res, err := Load(Options{Dir: root})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", res.Diagnostics)
	}
	if len(res.Plugins) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(res.Plugins))
	}
	got := []string{res.Plugins[0].Manifest.ID, res.Plugins[1].Manifest.ID, res.Plugins[2].Manifest.ID}
	want := []string{"beta", "alpha", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got order %v want %v", got, want)
		}
	}
}

func TestLoadDropsDisabledAndDenied(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "enabled-one", 10, "")
	writePlugin(t, root, "disabled-one", 10, `, "enabled": false`)
	writePlugin(t, root, "denied-one", 10, "")

	res, err := Load(Options{Dir: root, DenyList: map[string]bool{"denied-one": true}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Plugins) != 1 || res.Plugins[0].Manifest.ID != "enabled-one" {
		t.Fatalf("unexpected plugins: %+v", res.Plugins)
	}
}

func TestLoadOneBadPluginDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "good-one", 10, "")
	badDir := filepath.Join(root, "bad-one")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "README.md"), []byte("bad"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "frontclaw.json"), []byte(`{"id": "Bad_ID", "name":"", "version":"x", "main":""}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Load(Options{Dir: root})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Plugins) != 1 || res.Plugins[0].Manifest.ID != "good-one" {
		t.Fatalf("unexpected plugins: %+v", res.Plugins)
	}
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d: %+v", len(res.Diagnostics), res.Diagnostics)
	}
}

func TestLoadMergesConfigOverridesAtopDefaults(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "configured", 10, `, "defaultConfig": {"greeting": "hi", "count": 1}`)

	res, err := Load(Options{
		Dir:       root,
		Overrides: map[string]map[string]any{"configured": {"greeting": "hello"}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Plugins) != 1 {
		t.Fatalf("expected 1 plugin")
	}
	cfg := res.Plugins[0].Config
	if cfg["greeting"] != "hello" {
		t.Errorf("expected override to win, got %v", cfg["greeting"])
	}
	if cfg["count"] != float64(1) {
		t.Errorf("expected default to survive, got %v", cfg["count"])
	}
}

func TestLoadRejectsDuplicateIdentifiers(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "dup-a", 10, "")
	dir2 := filepath.Join(root, "dup-b")
	if err := os.MkdirAll(dir2, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir2, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir2, "main.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir2, "frontclaw.json"), []byte(`{"id":"dup-a","name":"dup-a","version":"1.0.0","main":"main.js","permissions":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Load(Options{Dir: root})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Plugins) != 1 {
		t.Fatalf("expected only the first dup-a to load, got %d", len(res.Plugins))
	}
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected a duplicate-id diagnostic, got %+v", res.Diagnostics)
	}
}
