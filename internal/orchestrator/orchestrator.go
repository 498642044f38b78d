// Package orchestrator holds the ordered list of loaded plugins and drives
// every pipeline that fans a host-side event out across them: prompt and
// response interception, tool/skill collection and execution, search,
// plugin HTTP routing, and the socket connect/message/disconnect pipelines
// (spec §4.8).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/permission"
	"github.com/frontclaw/core/internal/plugin"
	"github.com/frontclaw/core/internal/rpc"
)

// Bridge is the subset of *bridge.Bridge the orchestrator needs: a way to
// call a named hook and wait for its result. Declared as an interface so
// orchestrator tests can substitute a fake worker instead of spawning a
// real sandbox.
type Bridge interface {
	CallHook(ctx context.Context, method string, payload any) (*rpc.Envelope, error)
}

// FailedError reports a pipeline phase that must abort the whole request
// (spec §7: PERMISSION_DENIED and plugin-thrown errors bubble this way for
// the phases that are allowed to fail).
type FailedError struct {
	PluginID string
	Phase    string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s failed in plugin %q: %v", e.Phase, e.PluginID, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func failed(pluginID, phase string, err error) *FailedError {
	return &FailedError{PluginID: pluginID, Phase: phase, Err: err}
}

// Intercepted is the shared shape processPrompt and beforeLLMCall use to
// short-circuit their pipeline: a plugin handed back `{__intercept:true,
// result}` and no further plugin runs.
type Intercepted struct {
	Result   any
	PluginID string
}

// interceptEnvelope mirrors the wire shape a hook result takes when a
// plugin wants to intercept the pipeline.
type interceptEnvelope struct {
	Intercept bool `json:"__intercept"`
	Result    any  `json:"result"`
}

// Logger is the minimal structured-logging surface the orchestrator needs
// for the "log and skip" pipelines (transformSystemMessage, afterLLMCall).
type Logger interface {
	Warn(ctx context.Context, msg string, args ...any)
}

// entry pairs one loaded plugin with its permission guard and live bridge.
type entry struct {
	lp     *plugin.LoadedPlugin
	guard  *guard.Guard
	bridge Bridge
}

// Orchestrator owns the priority-ordered plugin list and composes every
// pipeline over it (spec §4.8).
type Orchestrator struct {
	entries []entry
	byID    map[string]entry
	log     Logger
}

// New builds an Orchestrator from the loaded plugins and their bridges,
// sorted by ascending priority (ties broken by identifier), matching the
// loader's own ordering (spec §4.6, §4.8).
func New(plugins []*plugin.LoadedPlugin, bridges map[string]Bridge, log Logger) *Orchestrator {
	sorted := make([]*plugin.LoadedPlugin, len(plugins))
	copy(sorted, plugins)
	sort.Sort(plugin.ByPriority(sorted))

	o := &Orchestrator{byID: make(map[string]entry, len(sorted)), log: log}
	for _, lp := range sorted {
		e := entry{
			lp:     lp,
			guard:  guard.New(lp.Manifest.ID, lp.Manifest.Permissions),
			bridge: bridges[lp.Manifest.ID],
		}
		o.entries = append(o.entries, e)
		o.byID[lp.Manifest.ID] = e
	}
	return o
}

func (o *Orchestrator) warn(ctx context.Context, msg string, args ...any) {
	if o.log != nil {
		o.log.Warn(ctx, msg, args...)
	}
}

func decodeIntercept(env *rpc.Envelope) (*interceptEnvelope, bool) {
	var probe map[string]json.RawMessage
	if err := rpc.DecodeResult(env, &probe); err != nil {
		return nil, false
	}
	raw, ok := probe["__intercept"]
	if !ok {
		return nil, false
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err != nil || !flag {
		return nil, false
	}
	var ie interceptEnvelope
	_ = rpc.DecodeResult(env, &ie)
	return &ie, true
}

// ProcessPrompt runs the onPromptReceived pipeline (spec §4.8).
func (o *Orchestrator) ProcessPrompt(ctx context.Context, prompt string) (string, *Intercepted, error) {
	for _, e := range o.entries {
		if e.guard.CheckLLM("can_modify_prompt") != nil || e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "onPromptReceived", map[string]any{"prompt": prompt})
		if err != nil {
			return "", nil, failed(e.lp.Manifest.ID, "processPrompt", err)
		}
		if ie, ok := decodeIntercept(env); ok {
			return prompt, &Intercepted{Result: ie.Result, PluginID: e.lp.Manifest.ID}, nil
		}
		var next string
		if err := rpc.DecodeResult(env, &next); err != nil || len(env.Result) == 0 {
			continue
		}
		prompt = next
	}
	return prompt, nil, nil
}

// TransformSystemMessage runs the transformSystemMessage pipeline. Plugin
// errors are logged and the plugin is skipped; this pipeline cannot fail
// the request (spec §4.8).
func (o *Orchestrator) TransformSystemMessage(ctx context.Context, msg string) string {
	for _, e := range o.entries {
		if e.guard.CheckLLM("can_modify_system_message") != nil || e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "transformSystemMessage", map[string]any{"message": msg})
		if err != nil {
			o.warn(ctx, "transformSystemMessage failed", "plugin", e.lp.Manifest.ID, "error", err)
			continue
		}
		var next string
		if err := rpc.DecodeResult(env, &next); err != nil || len(env.Result) == 0 {
			continue
		}
		msg = next
	}
	return msg
}

// BeforeLLMCall runs the beforeLLMCall pipeline over the assembled message
// list. Same interception shape as ProcessPrompt (spec §4.8).
func (o *Orchestrator) BeforeLLMCall(ctx context.Context, messages []map[string]any) ([]map[string]any, *Intercepted, error) {
	for _, e := range o.entries {
		if e.guard.CheckLLM("can_intercept_task") != nil || e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "beforeLLMCall", map[string]any{"messages": messages})
		if err != nil {
			return nil, nil, failed(e.lp.Manifest.ID, "beforeLLMCall", err)
		}
		if ie, ok := decodeIntercept(env); ok {
			return messages, &Intercepted{Result: ie.Result, PluginID: e.lp.Manifest.ID}, nil
		}
		var next []map[string]any
		if err := rpc.DecodeResult(env, &next); err != nil || len(env.Result) == 0 {
			continue
		}
		messages = next
	}
	return messages, nil, nil
}

// AfterLLMCall runs the afterLLMCall pipeline over the assistant response
// text. Errors are logged and skipped (spec §4.8).
func (o *Orchestrator) AfterLLMCall(ctx context.Context, response string) string {
	for _, e := range o.entries {
		if e.guard.CheckLLM("can_modify_response") != nil || e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "afterLLMCall", map[string]any{"response": response})
		if err != nil {
			o.warn(ctx, "afterLLMCall failed", "plugin", e.lp.Manifest.ID, "error", err)
			continue
		}
		var next string
		if err := rpc.DecodeResult(env, &next); err != nil || len(env.Result) == 0 {
			continue
		}
		response = next
	}
	return response
}

// ToolDescriptor is a namespaced tool or skill advertised by a plugin.
type ToolDescriptor struct {
	PluginID    string          `json:"pluginId"`
	LocalName   string          `json:"localName"`
	FullName    string          `json:"fullName"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type toolWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// CollectTools calls getTools on every bridge and namespaces the results
// as pluginId__localName (spec §4.8).
func (o *Orchestrator) CollectTools(ctx context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for _, e := range o.entries {
		if e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "getTools", nil)
		if err != nil {
			o.warn(ctx, "getTools failed", "plugin", e.lp.Manifest.ID, "error", err)
			continue
		}
		var tools []toolWire
		if err := rpc.DecodeResult(env, &tools); err != nil {
			continue
		}
		for _, t := range tools {
			out = append(out, ToolDescriptor{
				PluginID:    e.lp.Manifest.ID,
				LocalName:   t.Name,
				FullName:    e.lp.Manifest.ID + "__" + t.Name,
				Description: t.Description,
				Schema:      t.Schema,
			})
		}
	}
	return out, nil
}

// CollectSkills is like CollectTools but also filters each declared local
// name through the plugin's skills grant (spec §4.8).
func (o *Orchestrator) CollectSkills(ctx context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for _, e := range o.entries {
		if e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "getSkills", nil)
		if err != nil {
			o.warn(ctx, "getSkills failed", "plugin", e.lp.Manifest.ID, "error", err)
			continue
		}
		var skills []toolWire
		if err := rpc.DecodeResult(env, &skills); err != nil {
			continue
		}
		for _, s := range skills {
			full := e.lp.Manifest.ID + "__" + s.Name
			if e.guard.CheckSkill(full) != nil {
				continue
			}
			out = append(out, ToolDescriptor{
				PluginID:    e.lp.Manifest.ID,
				LocalName:   s.Name,
				FullName:    full,
				Description: s.Description,
				Schema:      s.Schema,
			})
		}
	}
	return out, nil
}

// ExecResult is the surfaced outcome of an executeTool/executeSkill call.
type ExecResult struct {
	Success bool `json:"success"`
	Result  any  `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func splitFullName(fullName string) (pluginID, localName string, ok bool) {
	idx := strings.Index(fullName, "__")
	if idx < 0 {
		return "", "", false
	}
	return fullName[:idx], fullName[idx+2:], true
}

// ExecuteTool splits fullName, dispatches to the owning bridge's
// executeTool hook, and surfaces its {success, result|error} (spec §4.8).
func (o *Orchestrator) ExecuteTool(ctx context.Context, fullName string, args any) (*ExecResult, error) {
	pluginID, localName, ok := splitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("malformed tool name %q", fullName)
	}
	e, found := o.byID[pluginID]
	if !found || e.bridge == nil {
		return nil, fmt.Errorf("unknown plugin %q for tool %q", pluginID, fullName)
	}
	env, err := e.bridge.CallHook(ctx, "executeTool", map[string]any{"name": localName, "args": args})
	if err != nil {
		return nil, failed(pluginID, "executeTool", err)
	}
	var res ExecResult
	if err := rpc.DecodeResult(env, &res); err != nil {
		return nil, fmt.Errorf("decode executeTool result: %w", err)
	}
	return &res, nil
}

// ExecuteSkill splits fullName, guard-checks it, and dispatches to the
// owning bridge's executeSkill hook (spec §4.8).
func (o *Orchestrator) ExecuteSkill(ctx context.Context, fullName string, args any) (*ExecResult, error) {
	pluginID, localName, ok := splitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("malformed skill name %q", fullName)
	}
	e, found := o.byID[pluginID]
	if !found || e.bridge == nil {
		return nil, fmt.Errorf("unknown plugin %q for skill %q", pluginID, fullName)
	}
	if err := e.guard.CheckSkill(fullName); err != nil {
		return nil, err
	}
	env, err := e.bridge.CallHook(ctx, "executeSkill", map[string]any{"name": localName, "args": args})
	if err != nil {
		return nil, failed(pluginID, "executeSkill", err)
	}
	var res ExecResult
	if err := rpc.DecodeResult(env, &res); err != nil {
		return nil, fmt.Errorf("decode executeSkill result: %w", err)
	}
	return &res, nil
}

// ControlEnvelope is the `{__frontclaw:{mode:"end_request", response}}`
// shape a tool or skill result may carry to short-circuit the request
// with a direct assistant reply (spec §4.8).
type ControlEnvelope struct {
	Mode     string `json:"mode"`
	Response string `json:"response"`
}

// AsControlEnvelope reports whether result carries a control envelope.
func AsControlEnvelope(result any) (*ControlEnvelope, bool) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false
	}
	var probe struct {
		Frontclaw *ControlEnvelope `json:"__frontclaw"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Frontclaw == nil {
		return nil, false
	}
	if probe.Frontclaw.Mode != "end_request" {
		return nil, false
	}
	return probe.Frontclaw, true
}

// InvokeSkill implements syscall.SkillInvoker, re-entering the skill
// pipeline from within a sys-call (spec §9's import-cycle design note).
func (o *Orchestrator) InvokeSkill(ctx context.Context, fullName string, args any) (any, error) {
	res, err := o.ExecuteSkill(ctx, fullName, args)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("skill %q failed: %s", fullName, res.Error)
	}
	return res.Result, nil
}

// ExecuteForLLM is the tool-executor callback handed to the LLM driver: it
// tries the skill pipeline first, then falls back to the tool pipeline,
// and recognizes the control-envelope short-circuit from either branch
// (spec §4.8).
func (o *Orchestrator) ExecuteForLLM(ctx context.Context, fullName string, args any) (any, *ControlEnvelope, error) {
	if skillRes, err := o.ExecuteSkill(ctx, fullName, args); err == nil && skillRes.Success {
		if ce, ok := AsControlEnvelope(skillRes.Result); ok {
			return nil, ce, nil
		}
		return skillRes.Result, nil, nil
	}

	toolRes, err := o.ExecuteTool(ctx, fullName, args)
	if err != nil {
		return nil, nil, err
	}
	if !toolRes.Success {
		return nil, nil, fmt.Errorf("tool %q failed: %s", fullName, toolRes.Error)
	}
	if ce, ok := AsControlEnvelope(toolRes.Result); ok {
		return nil, ce, nil
	}
	return toolRes.Result, nil, nil
}

// Search invokes onSearch in priority order and returns the first
// non-empty array result (spec §4.8).
func (o *Orchestrator) Search(ctx context.Context, options map[string]any) ([]any, error) {
	for _, e := range o.entries {
		if e.bridge == nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "onSearch", options)
		if err != nil {
			o.warn(ctx, "onSearch failed", "plugin", e.lp.Manifest.ID, "error", err)
			continue
		}
		var results []any
		if err := rpc.DecodeResult(env, &results); err != nil {
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	return nil, nil
}

// HTTPRequest is the plugin-facing shape of an inbound request forwarded
// under a plugin's route mount (spec §4.8, §6).
type HTTPRequest struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// HTTPResponse is the plugin-facing shape of the response the orchestrator
// returns from routeHTTPRequest, already augmented with default security
// headers.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// defaultSecurityHeaders are applied to every plugin HTTP response unless
// the plugin already set a header of the same name (spec §4.8).
var defaultSecurityHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
}

// RouteHTTPRequest resolves pluginId's bridge, checks the api route grant,
// calls onHTTPRequest, and augments the response with default security
// headers (spec §4.8).
func (o *Orchestrator) RouteHTTPRequest(ctx context.Context, pluginID string, req HTTPRequest) (*HTTPResponse, error) {
	e, found := o.byID[pluginID]
	if !found || e.bridge == nil {
		return nil, fmt.Errorf("unknown plugin %q", pluginID)
	}
	if err := e.guard.CheckAPIRoute(req.Path, req.Method); err != nil {
		return nil, err
	}
	env, err := e.bridge.CallHook(ctx, "onHTTPRequest", req)
	if err != nil {
		return nil, failed(pluginID, "routeHTTPRequest", err)
	}
	var resp HTTPResponse
	if err := rpc.DecodeResult(env, &resp); err != nil {
		return nil, fmt.Errorf("decode onHTTPRequest result: %w", err)
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string, len(defaultSecurityHeaders))
	}
	present := make(map[string]bool, len(resp.Headers))
	for k := range resp.Headers {
		present[strings.ToLower(k)] = true
	}
	for k, v := range defaultSecurityHeaders {
		if !present[strings.ToLower(k)] {
			resp.Headers[k] = v
		}
	}
	return &resp, nil
}

// SocketConnect fans out a new socket session to every plugin holding the
// socket grant (spec §4.8: connect is fan-out, not interception).
func (o *Orchestrator) SocketConnect(ctx context.Context, sessionID string, meta map[string]any) {
	for _, e := range o.entries {
		if e.bridge == nil || e.guard.CheckSocketEvent("connect", false) != nil {
			continue
		}
		if _, err := e.bridge.CallHook(ctx, "onSocketConnect", map[string]any{"sessionId": sessionID, "meta": meta}); err != nil {
			o.warn(ctx, "onSocketConnect failed", "plugin", e.lp.Manifest.ID, "error", err)
		}
	}
}

// SocketDisconnect fans out a session close to every plugin holding the
// socket grant (spec §4.8).
func (o *Orchestrator) SocketDisconnect(ctx context.Context, sessionID string) {
	for _, e := range o.entries {
		if e.bridge == nil || e.guard.CheckSocketEvent("disconnect", false) != nil {
			continue
		}
		if _, err := e.bridge.CallHook(ctx, "onSocketDisconnect", map[string]any{"sessionId": sessionID}); err != nil {
			o.warn(ctx, "onSocketDisconnect failed", "plugin", e.lp.Manifest.ID, "error", err)
		}
	}
}

// SocketMessage runs the interception-style onSocketMessage pipeline,
// filtered to plugins whose declared events list matches event (wildcard
// allowed). The first plugin to intercept short-circuits the rest
// (spec §4.8).
func (o *Orchestrator) SocketMessage(ctx context.Context, sessionID, event string, payload any) (*Intercepted, error) {
	for _, e := range o.entries {
		if e.bridge == nil || e.guard.CheckSocketEvent(event, false) != nil {
			continue
		}
		env, err := e.bridge.CallHook(ctx, "onSocketMessage", map[string]any{
			"sessionId": sessionID,
			"event":     event,
			"payload":   payload,
		})
		if err != nil {
			return nil, failed(e.lp.Manifest.ID, "onSocketMessage", err)
		}
		if ie, ok := decodeIntercept(env); ok {
			return &Intercepted{Result: ie.Result, PluginID: e.lp.Manifest.ID}, nil
		}
	}
	return nil, nil
}

// Manifests returns the priority-ordered loaded manifests, for callers
// that need the full list (e.g. mounting plugin HTTP routes at startup).
func (o *Orchestrator) Manifests() []*plugin.Manifest {
	out := make([]*plugin.Manifest, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.lp.Manifest)
	}
	return out
}

// Grant returns pluginID's permission grant, or the zero grant if unknown.
func (o *Orchestrator) Grant(pluginID string) permission.Grant {
	e, ok := o.byID[pluginID]
	if !ok {
		return permission.Grant{}
	}
	return e.lp.Manifest.Permissions
}
