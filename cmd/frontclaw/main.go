// Command frontclaw runs the host process: it loads configuration,
// discovers and spawns plugins, and serves the chat, plugin-route, and
// socket HTTP surfaces described by spec §6.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/frontclaw/core/internal/bridge"
	"github.com/frontclaw/core/internal/chatdriver"
	"github.com/frontclaw/core/internal/config"
	"github.com/frontclaw/core/internal/convstore"
	"github.com/frontclaw/core/internal/dbstore"
	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/llm"
	"github.com/frontclaw/core/internal/logctx"
	"github.com/frontclaw/core/internal/memory"
	"github.com/frontclaw/core/internal/orchestrator"
	"github.com/frontclaw/core/internal/plugin"
	"github.com/frontclaw/core/internal/pluginloader"
	"github.com/frontclaw/core/internal/socketgw"
	syscallhandler "github.com/frontclaw/core/internal/syscall"
)

func main() {
	configPath := flag.String("config", "frontclaw.yaml", "path to the host configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frontclaw: %v\n", err)
		os.Exit(1)
	}

	logger := logctx.NewLogger(logctx.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "frontclaw exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logctx.Logger) error {
	memStore, closeMem, err := buildMemoryStore(cfg)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	if closeMem != nil {
		defer closeMem()
	}
	memSvc := memory.NewService(memStore)

	db, err := dbstore.Open(cfg.Chat.DBPath)
	if err != nil {
		return fmt.Errorf("open db store: %w", err)
	}
	defer db.Close()

	plugins, diags := loadPlugins(cfg)
	for _, d := range diags {
		logger.Warn(ctx, "plugin discovery diagnostic", "dir", d.Dir, "error", d.Error)
	}

	skills := &skillInvokerProxy{}
	handler := syscallhandler.New(db, nil, hostLoggerAdapter{logger: logger}, memSvc, skills)

	bridges := make(map[string]orchestrator.Bridge, len(plugins))
	liveBridges := make([]*bridge.Bridge, 0, len(plugins))
	for _, lp := range plugins {
		g := guard.New(lp.Manifest.ID, lp.Manifest.Permissions)
		b := bridge.New(lp, g, handler, bridge.Options{
			HookTimeout:         cfg.Bridge.CallTimeout,
			SandboxReadyTimeout: cfg.Bridge.StartupTimeout,
		})
		if err := b.Start(ctx); err != nil {
			logger.Error(ctx, "plugin failed to start", "plugin", lp.Manifest.ID, "error", err)
			continue
		}
		bridges[lp.Manifest.ID] = b
		liveBridges = append(liveBridges, b)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownGrace)
		defer cancel()
		for _, b := range liveBridges {
			_ = b.Stop(shutdownCtx)
		}
	}()

	orch := orchestrator.New(plugins, bridges, logger)
	skills.orch = orch

	driver := &chatdriver.Driver{
		Orch:         orch,
		Store:        convstore.NewMemoryStore(),
		Provider:     &llm.StubProvider{},
		Model:        cfg.Chat.Model,
		MaxTokens:    cfg.Chat.MaxTokens,
		HistoryLimit: cfg.Chat.HistoryLimit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", driver.HandleChat)
	mux.HandleFunc("/api/v1/p/", pluginRouteHandler(orch))
	mux.Handle("/ws", &socketgw.Gateway{Orch: orch, Logger: nil})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "frontclaw listening", "addr", cfg.Server.Addr, "plugins", len(liveBridges))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func loadPlugins(cfg *config.Config) ([]*plugin.LoadedPlugin, []pluginloader.Diagnostic) {
	denyList := make(map[string]bool, len(cfg.Plugins.DenyList))
	for _, id := range cfg.Plugins.DenyList {
		denyList[id] = true
	}

	var all []*plugin.LoadedPlugin
	var diags []pluginloader.Diagnostic
	seen := make(map[string]bool)
	for _, dir := range cfg.Plugins.Dirs {
		res, err := pluginloader.Load(pluginloader.Options{
			Dir:       dir,
			DenyList:  denyList,
			Overrides: cfg.Plugins.Overrides,
		})
		if err != nil {
			diags = append(diags, pluginloader.Diagnostic{Dir: dir, Error: err})
			continue
		}
		diags = append(diags, res.Diagnostics...)
		for _, lp := range res.Plugins {
			if seen[lp.Manifest.ID] {
				diags = append(diags, pluginloader.Diagnostic{
					Dir:   lp.Dir,
					Error: fmt.Errorf("duplicate plugin id %q across plugin directories", lp.Manifest.ID),
				})
				continue
			}
			seen[lp.Manifest.ID] = true
			all = append(all, lp)
		}
	}
	return all, diags
}

func buildMemoryStore(cfg *config.Config) (memory.Store, func(), error) {
	var store memory.Store
	switch cfg.Memory.Backend {
	case "", "inprocess":
		store = memory.NewInProcessStore()
	case "redis":
		rs, err := memory.NewRedisStore(memory.RedisConfig{
			Addr:     cfg.Memory.Redis.Addr,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		store = rs
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}

	var closeFn func()
	if closer, ok := store.(interface{ Close() error }); ok {
		closeFn = func() { _ = closer.Close() }
	}

	if cfg.Memory.EncryptionKeyHex == "" {
		return store, closeFn, nil
	}
	key, err := hex.DecodeString(cfg.Memory.EncryptionKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode memory.encryption_key_hex: %w", err)
	}
	secure, err := memory.NewSecureStore(store, key, nil)
	if err != nil {
		return nil, nil, err
	}
	return secure, closeFn, nil
}

// skillInvokerProxy defers to an *orchestrator.Orchestrator assigned
// after construction, breaking the otherwise-circular dependency between
// the sys-call handler (needed to build bridges) and the orchestrator
// (which needs those same bridges to construct).
type skillInvokerProxy struct {
	orch *orchestrator.Orchestrator
}

func (p *skillInvokerProxy) InvokeSkill(ctx context.Context, fullName string, args any) (any, error) {
	if p.orch == nil {
		return nil, fmt.Errorf("skills not available yet")
	}
	return p.orch.InvokeSkill(ctx, fullName, args)
}

// hostLoggerAdapter satisfies internal/syscall.HostLogger over a
// *logctx.Logger's named-level methods.
type hostLoggerAdapter struct {
	logger *logctx.Logger
}

func (a hostLoggerAdapter) Log(ctx context.Context, level, message string, meta map[string]any) {
	switch strings.ToLower(level) {
	case "debug":
		a.logger.Debug(ctx, message, "meta", meta)
	case "warn", "warning":
		a.logger.Warn(ctx, message, "meta", meta)
	case "error":
		a.logger.Error(ctx, message, "meta", meta)
	default:
		a.logger.Info(ctx, message, "meta", meta)
	}
}

// pluginRouteHandler forwards /api/v1/p/{pluginId}/... requests through
// the orchestrator's HTTP pipeline (spec §4.8).
func pluginRouteHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	const prefix = "/api/v1/p/"
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		pluginID, subPath, found := strings.Cut(rest, "/")
		if !found {
			pluginID, subPath = rest, ""
		}
		if pluginID == "" {
			http.NotFound(w, r)
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		query := make(map[string]string, len(r.URL.Query()))
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		var body any
		if r.Body != nil {
			_ = jsonDecodeBestEffort(r, &body)
		}

		resp, err := orch.RouteHTTPRequest(r.Context(), pluginID, orchestrator.HTTPRequest{
			Path:    "/" + subPath,
			Method:  r.Method,
			Headers: headers,
			Query:   query,
			Body:    body,
		})
		if err != nil {
			writeRouteError(w, err)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = jsonEncodeBestEffort(w, resp.Body)
	}
}

func writeRouteError(w http.ResponseWriter, err error) {
	var de *guard.DeniedError
	if errors.As(err, &de) {
		http.Error(w, de.Error(), http.StatusForbidden)
		return
	}
	var fe *orchestrator.FailedError
	if errors.As(err, &fe) {
		http.Error(w, fe.Error(), http.StatusBadGateway)
		return
	}
	http.Error(w, err.Error(), http.StatusNotFound)
}

func jsonDecodeBestEffort(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func jsonEncodeBestEffort(w http.ResponseWriter, v any) error {
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}
