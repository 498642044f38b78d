package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/frontclaw/core/internal/config"
	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/memory"
	"github.com/frontclaw/core/internal/orchestrator"
)

func TestLoadPluginsDeduplicatesAcrossDirectories(t *testing.T) {
	cfg := &config.Config{}
	cfg.Plugins.Dirs = []string{t.TempDir(), t.TempDir()}

	all, diags := loadPlugins(cfg)
	if len(all) != 0 {
		t.Fatalf("expected no plugins from empty directories, got %d", len(all))
	}
	for _, d := range diags {
		t.Fatalf("unexpected diagnostic for empty dir %q: %v", d.Dir, d.Error)
	}
}

func TestLoadPluginsFlagsUnknownDirectory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Plugins.Dirs = []string{"/nonexistent/frontclaw-plugin-dir"}

	_, diags := loadPlugins(cfg)
	if len(diags) != 1 {
		t.Fatalf("expected one diagnostic, got %d", len(diags))
	}
}

func TestBuildMemoryStoreInProcessDefault(t *testing.T) {
	cfg := &config.Config{}

	store, closeFn, err := buildMemoryStore(cfg)
	if err != nil {
		t.Fatalf("buildMemoryStore: %v", err)
	}
	if closeFn != nil {
		closeFn()
	}
	if _, ok := store.(*memory.InProcessStore); !ok {
		t.Fatalf("expected *memory.InProcessStore, got %T", store)
	}
}

func TestBuildMemoryStoreUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Memory.Backend = "dynamodb"

	if _, _, err := buildMemoryStore(cfg); err == nil {
		t.Fatal("expected an error for an unrecognized memory backend")
	}
}

func TestBuildMemoryStoreWrapsSecureStore(t *testing.T) {
	cfg := &config.Config{}
	cfg.Memory.EncryptionKeyHex = hex.EncodeToString(make([]byte, 32))

	store, closeFn, err := buildMemoryStore(cfg)
	if err != nil {
		t.Fatalf("buildMemoryStore: %v", err)
	}
	if closeFn != nil {
		closeFn()
	}
	if _, ok := store.(*memory.SecureStore); !ok {
		t.Fatalf("expected *memory.SecureStore, got %T", store)
	}
}

func TestSkillInvokerProxyErrorsBeforeBackfill(t *testing.T) {
	p := &skillInvokerProxy{}
	if _, err := p.InvokeSkill(context.Background(), "plugin.skill", nil); err == nil {
		t.Fatal("expected an error before the orchestrator is assigned")
	}
}

func TestPluginRouteHandlerRejectsMissingPluginID(t *testing.T) {
	handler := pluginRouteHandler(orchestrator.New(nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/p/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an empty plugin id, got %d", rec.Code)
	}
}

func TestPluginRouteHandlerReportsUnknownPlugin(t *testing.T) {
	handler := pluginRouteHandler(orchestrator.New(nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/p/missing/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered plugin, got %d", rec.Code)
	}
}

func TestWriteRouteErrorMapsDeniedToForbidden(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRouteError(rec, &guard.DeniedError{PluginID: "p1", Permission: "network", Action: "fetch http://example.com"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWriteRouteErrorMapsFailedToBadGateway(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRouteError(rec, &orchestrator.FailedError{PluginID: "p1", Phase: "onHTTPRequest", Err: errors.New("boom")})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestWriteRouteErrorDefaultsToNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRouteError(rec, errors.New("unknown plugin"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLoadPluginsEmptyDenyList(t *testing.T) {
	cfg := &config.Config{}
	cfg.Plugins.Dirs = nil

	all, diags := loadPlugins(cfg)
	if len(all) != 0 || len(diags) != 0 {
		t.Fatalf("expected no plugins or diagnostics for an empty dirs list, got %d plugins %d diags", len(all), len(diags))
	}
}
