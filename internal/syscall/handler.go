// Package syscall routes a sandbox's SYS_CALL requests through the
// permission guard to the appropriate backend, enforcing a per-plugin
// rolling rate limit (spec §4.5).
package syscall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/memory"
	"github.com/frontclaw/core/internal/net/ssrf"
	"github.com/frontclaw/core/internal/permission"
)

const (
	rateLimitCount  = 300
	rateLimitWindow = 60 * time.Second
)

// CodedError is the typed error shape every handler failure carries,
// mapped directly onto rpc.ErrorShape by the worker bridge.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func coded(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler dispatches sys-calls by method name for one orchestrator
// instance, shared across all plugins; per-plugin state (rate limit
// counters, guards) is keyed by plugin id.
type Handler struct {
	db      DBBackend
	fetcher HTTPFetcher
	logger  HostLogger
	mem     *memory.Service
	skills  SkillInvoker
	limiter *slidingWindow
}

// New constructs a Handler. fetcher may be nil, in which case
// http.DefaultClient is used.
func New(db DBBackend, fetcher HTTPFetcher, logger HostLogger, mem *memory.Service, skills SkillInvoker) *Handler {
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	return &Handler{
		db:      db,
		fetcher: fetcher,
		logger:  logger,
		mem:     mem,
		skills:  skills,
		limiter: newSlidingWindow(rateLimitCount, rateLimitWindow),
	}
}

// Dispatch services one sys-call for pluginID under g, returning the
// call's result or a *CodedError.
func (h *Handler) Dispatch(ctx context.Context, g *guard.Guard, pluginID, method string, payload json.RawMessage) (any, error) {
	if !h.limiter.Allow(pluginID) {
		return nil, coded("SYSCALL_RATE_LIMITED", "plugin %q exceeded %d calls per %s", pluginID, rateLimitCount, rateLimitWindow)
	}

	switch method {
	case "db.query":
		return h.dbQuery(ctx, g, payload)
	case "db.getItems":
		return h.dbGetItems(ctx, g, payload)
	case "db.getItem":
		return h.dbGetItem(ctx, g, payload)
	case "network.fetch":
		return h.networkFetch(ctx, g, payload)
	case "log":
		return h.log(ctx, g, payload)
	case "memory.get":
		return h.memoryGet(ctx, g, payload)
	case "memory.set":
		return h.memorySet(ctx, g, payload)
	case "memory.delete":
		return h.memoryDelete(ctx, g, payload)
	case "memory.list":
		return h.memoryList(ctx, g, payload)
	case "memory.ttl":
		return h.memoryTTL(ctx, g, payload)
	case "skills.invoke":
		return h.skillsInvoke(ctx, g, payload)
	default:
		return nil, coded("UNKNOWN_SYSCALL", "unknown sys-call method %q", method)
	}
}

func toCodedError(pluginID string, err error) *CodedError {
	var de *guard.DeniedError
	if errors.As(err, &de) {
		return coded("PERMISSION_DENIED", "%s", de.Error())
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return coded("SYSCALL_FAILED", "%s", err.Error())
}

// --- db ---

type dbQueryPayload struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

func (h *Handler) dbQuery(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p dbQueryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "db.query: %s", err)
	}
	if _, err := g.CheckSQLQuery(p.SQL); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	result, err := h.db.Query(ctx, p.SQL, p.Params)
	if err != nil {
		return nil, coded("DB_ERROR", "%s", err)
	}
	return result, nil
}

type dbGetItemsPayload struct {
	Table  string         `json:"table"`
	Where  map[string]any `json:"where"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (h *Handler) dbGetItems(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p dbGetItemsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "db.getItems: %s", err)
	}
	if err := g.CheckDBTable(p.Table, false); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	result, err := h.db.GetItems(ctx, p.Table, p.Where, p.Limit, p.Offset)
	if err != nil {
		return nil, coded("DB_ERROR", "%s", err)
	}
	return result, nil
}

type dbGetItemPayload struct {
	Table string `json:"table"`
	ID    any    `json:"id"`
}

func (h *Handler) dbGetItem(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p dbGetItemPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "db.getItem: %s", err)
	}
	if err := g.CheckDBTable(p.Table, false); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	result, err := h.db.GetItem(ctx, p.Table, p.ID)
	if err != nil {
		return nil, coded("DB_ERROR", "%s", err)
	}
	return result, nil
}

// --- network ---

type networkFetchPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type networkFetchResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (h *Handler) networkFetch(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p networkFetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "network.fetch: %s", err)
	}
	if err := g.CheckNetworkURL(p.URL); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	if host, err := permission.HostFromURL(p.URL); err == nil {
		if err := ssrf.ValidatePublicHostname(host); err != nil {
			return nil, coded("SSRF_BLOCKED", "network.fetch: %s", err)
		}
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, bodyReader)
	if err != nil {
		return nil, coded("BAD_PAYLOAD", "network.fetch: %s", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.fetcher.Do(req)
	if err != nil {
		return nil, coded("NETWORK_ERROR", "%s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, coded("NETWORK_ERROR", "read response body: %s", err)
	}

	flatHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		flatHeaders[k] = resp.Header.Get(k)
	}

	return networkFetchResult{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    flatHeaders,
		Body:       string(body),
	}, nil
}

// --- log ---

type logPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta"`
}

// Log never raises (spec §4.5); a denied level is silently dropped.
func (h *Handler) log(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p logPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "log: %s", err)
	}
	if err := g.CheckLog(p.Level); err != nil {
		return nil, nil
	}
	h.logger.Log(ctx, p.Level, p.Message, p.Meta)
	return nil, nil
}

// --- memory ---

type memoryKeyPayload struct {
	Key string `json:"key"`
}

func (h *Handler) memoryGet(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p memoryKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "memory.get: %s", err)
	}
	if err := g.CheckMemoryKey(p.Key, false); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	v, err := h.mem.Get(ctx, p.Key)
	if err != nil {
		return nil, coded("MEMORY_ERROR", "%s", err)
	}
	return v, nil
}

type memorySetPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	TTL   int64  `json:"ttl"`
}

func (h *Handler) memorySet(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p memorySetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "memory.set: %s", err)
	}
	if err := g.CheckMemoryKey(p.Key, true); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	if err := h.mem.Set(ctx, p.Key, p.Value, time.Duration(p.TTL)*time.Millisecond); err != nil {
		return nil, coded("MEMORY_ERROR", "%s", err)
	}
	return nil, nil
}

func (h *Handler) memoryDelete(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p memoryKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "memory.delete: %s", err)
	}
	if err := g.CheckMemoryKey(p.Key, true); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	if err := h.mem.Delete(ctx, p.Key); err != nil {
		return nil, coded("MEMORY_ERROR", "%s", err)
	}
	return nil, nil
}

type memoryListPayload struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

func (h *Handler) memoryList(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p memoryListPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "memory.list: %s", err)
	}
	checkKey := p.Prefix
	if checkKey == "" {
		checkKey = "*"
	}
	if err := g.CheckMemoryKey(checkKey, false); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	keys, err := h.mem.List(ctx, p.Prefix, p.Limit)
	if err != nil {
		return nil, coded("MEMORY_ERROR", "%s", err)
	}
	return keys, nil
}

func (h *Handler) memoryTTL(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p memoryKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "memory.ttl: %s", err)
	}
	if err := g.CheckMemoryKey(p.Key, false); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	ttl, err := h.mem.TTL(ctx, p.Key)
	if err != nil {
		return nil, coded("MEMORY_ERROR", "%s", err)
	}
	return ttl.Milliseconds(), nil
}

// --- skills ---

type skillsInvokePayload struct {
	Skill string `json:"skill"`
	Args  any    `json:"args"`
}

func (h *Handler) skillsInvoke(ctx context.Context, g *guard.Guard, payload json.RawMessage) (any, error) {
	var p skillsInvokePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, coded("BAD_PAYLOAD", "skills.invoke: %s", err)
	}
	if err := g.CheckSkill(p.Skill); err != nil {
		return nil, toCodedError(g.PluginID(), err)
	}
	result, err := h.skills.InvokeSkill(ctx, p.Skill, p.Args)
	if err != nil {
		return nil, coded("SKILL_ERROR", "%s", err)
	}
	return result, nil
}
