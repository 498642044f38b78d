package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/frontclaw/core/internal/rpc"
)

// HookFunc handles one HOOK_CALL dispatched to this plugin. The returned
// value is marshaled into the RESPONSE_OK envelope's result; a non-nil
// error becomes a RESPONSE_ERR with code "HOOK_FAILED" unless it is a
// *HookError, in which case its own code is used.
type HookFunc func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error)

// HookError lets a hook implementation choose its own RESPONSE_ERR code,
// matching the coded-error shape internal/syscall uses host-side.
type HookError struct {
	Code    string
	Message string
}

func (e *HookError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Plugin is what a plugin binary implements: its manifest and the named
// hooks it answers. Hooks are looked up by method name against whatever
// the host's pipelines call (spec §4.8's hook names: beforeLLMCall,
// afterLLMCall, processPrompt, transformSystemMessage, collectTools,
// collectSkills, onSocketConnect, onSocketMessage, onSocketDisconnect,
// onUnload, and any plugin-specific tool/route names routed by the
// orchestrator).
type Plugin interface {
	Manifest() *Manifest
	Hooks() map[string]HookFunc
}

// Logger is the scoped logger a plugin author's hook code writes to;
// Serve forwards every call as a "log" sys-call rather than writing
// directly to the sandbox's own stdout or stderr, since stdout is the
// envelope stream and stderr is not observed by the host (spec §4.5).
type Logger interface {
	Debug(msg string, meta map[string]any)
	Info(msg string, meta map[string]any)
	Warn(msg string, meta map[string]any)
	Error(msg string, meta map[string]any)
}

// Context is the handle passed to every HookFunc: plugin identity,
// resolved config, granted permissions, and the sys-call surface
// (spec §4.5, §6). Every method here issues one SYS_CALL envelope and
// blocks for its matching response.
type Context struct {
	PluginID    string
	Config      map[string]any
	Permissions Grant

	rt *runtime
}

func (c *Context) call(ctx context.Context, method string, payload, result any) error {
	env, err := c.rt.sysCall(ctx, method, payload)
	if err != nil {
		return err
	}
	if env.Kind == rpc.KindResponseErr {
		return env.Error
	}
	if result == nil {
		return nil
	}
	return rpc.DecodeResult(env, result)
}

// DB issues a db.query/db.getItems/db.getItem sys-call.
type DB struct{ c *Context }

func (c *Context) DB() *DB { return &DB{c: c} }

// Query runs a raw SQL statement, subject to the host's SQL auditor and
// this plugin's db grant.
func (d *DB) Query(ctx context.Context, sql string, params []any) (any, error) {
	var out any
	err := d.c.call(ctx, "db.query", map[string]any{"sql": sql, "params": params}, &out)
	return out, err
}

// GetItems lists rows from table matching where, paginated.
func (d *DB) GetItems(ctx context.Context, table string, where map[string]any, limit, offset int) (any, error) {
	var out any
	err := d.c.call(ctx, "db.getItems", map[string]any{
		"table": table, "where": where, "limit": limit, "offset": offset,
	}, &out)
	return out, err
}

// GetItem fetches a single row from table by id.
func (d *DB) GetItem(ctx context.Context, table string, id any) (any, error) {
	var out any
	err := d.c.call(ctx, "db.getItem", map[string]any{"table": table, "id": id}, &out)
	return out, err
}

// FetchResult is the response of a network.fetch sys-call.
type FetchResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Fetch issues an outbound HTTP request through the host's network.fetch
// sys-call, subject to this plugin's network grant.
func (c *Context) Fetch(ctx context.Context, method, url string, headers map[string]string, body string) (*FetchResult, error) {
	var out FetchResult
	err := c.call(ctx, "network.fetch", map[string]any{
		"method": method, "url": url, "headers": headers, "body": body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Log forwards one log line to the host's structured logger (internal/logctx),
// subject to this plugin's log grant and level allow-list. It never returns
// an error to the caller since the host also never raises on log (spec §4.5).
func (c *Context) Log(ctx context.Context, level, message string, meta map[string]any) {
	_ = c.call(ctx, "log", map[string]any{"level": level, "message": message, "meta": meta}, nil)
}

// contextLogger adapts Context.Log to the Logger interface.
type contextLogger struct {
	ctx context.Context
	c   *Context
}

func (l contextLogger) Debug(msg string, meta map[string]any) { l.c.Log(l.ctx, "debug", msg, meta) }
func (l contextLogger) Info(msg string, meta map[string]any)  { l.c.Log(l.ctx, "info", msg, meta) }
func (l contextLogger) Warn(msg string, meta map[string]any)  { l.c.Log(l.ctx, "warn", msg, meta) }
func (l contextLogger) Error(msg string, meta map[string]any) { l.c.Log(l.ctx, "error", msg, meta) }

// Logger returns a Logger bound to ctx, for hook code that wants the
// named-level convenience methods instead of calling Log directly.
func (c *Context) Logger(ctx context.Context) Logger {
	return contextLogger{ctx: ctx, c: c}
}

// Memory is the namespaced KV surface (spec §4.4).
type Memory struct{ c *Context }

func (c *Context) Memory() *Memory { return &Memory{c: c} }

func (m *Memory) Get(ctx context.Context, key string) (any, error) {
	var out any
	err := m.c.call(ctx, "memory.get", map[string]any{"key": key}, &out)
	return out, err
}

func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.c.call(ctx, "memory.set", map[string]any{
		"key": key, "value": value, "ttl": ttl.Milliseconds(),
	}, nil)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.c.call(ctx, "memory.delete", map[string]any{"key": key}, nil)
}

func (m *Memory) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var out []string
	err := m.c.call(ctx, "memory.list", map[string]any{"prefix": prefix, "limit": limit}, &out)
	return out, err
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	var millis int64
	err := m.c.call(ctx, "memory.ttl", map[string]any{"key": key}, &millis)
	return time.Duration(millis) * time.Millisecond, err
}

// InvokeSkill calls another plugin's declared skill by name, subject to
// this plugin's skills grant.
func (c *Context) InvokeSkill(ctx context.Context, skill string, args any) (any, error) {
	var out any
	err := c.call(ctx, "skills.invoke", map[string]any{"skill": skill, "args": args}, &out)
	return out, err
}

// ToolDef declares one tool or skill a plugin exposes to the LLM
// (spec §4.8: collectTools/collectSkills, executeTool/executeSkill).
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     func(ctx context.Context, pc *Context, args json.RawMessage) (any, error)
}

type toolWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type execResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type executeArgs struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Tools builds the "getTools"/"executeTool" hook pair the orchestrator's
// CollectTools/ExecuteTool dispatch to, from a declarative tool list. A
// plugin built around ToolDef never needs to hand-route by name itself.
func Tools(defs []ToolDef) map[string]HookFunc {
	return toolHooks(defs, "getTools", "executeTool")
}

// Skills is Tools for the getSkills/executeSkill hook pair; the
// orchestrator additionally guard-checks each skill name against the
// plugin's skills grant before dispatch (spec §4.8).
func Skills(defs []ToolDef) map[string]HookFunc {
	return toolHooks(defs, "getSkills", "executeSkill")
}

func toolHooks(defs []ToolDef, listHook, execHook string) map[string]HookFunc {
	byName := make(map[string]ToolDef, len(defs))
	wire := make([]toolWire, 0, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
		wire = append(wire, toolWire{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}

	return map[string]HookFunc{
		listHook: func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error) {
			return wire, nil
		},
		execHook: func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error) {
			var args executeArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, err
			}
			def, ok := byName[args.Name]
			if !ok {
				return execResult{Success: false, Error: fmt.Sprintf("unknown tool %q", args.Name)}, nil
			}
			result, err := def.Handler(ctx, pc, args.Args)
			if err != nil {
				return execResult{Success: false, Error: err.Error()}, nil
			}
			return execResult{Success: true, Result: result}, nil
		},
	}
}

// MergeHooks combines any number of hook maps into one, later maps
// overriding earlier ones on key collision.
func MergeHooks(sets ...map[string]HookFunc) map[string]HookFunc {
	out := make(map[string]HookFunc)
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

// Intercept wraps a hook result in the "__intercept" envelope the
// orchestrator's pipelines short-circuit on (spec §4.8).
func Intercept(result any) map[string]any {
	return map[string]any{"__intercept": true, "result": result}
}

// EndRequest builds the control envelope that ends a chat request
// immediately with response as the assistant's reply, bypassing any
// further LLM call (spec §4.9).
func EndRequest(response string) map[string]any {
	return map[string]any{"__frontclaw": map[string]any{"mode": "end_request", "response": response}}
}

// pendingCall mirrors internal/bridge's bookkeeping for the opposite
// direction: here the plugin is the one waiting on a RESPONSE_* for a
// SYS_CALL it issued.
type pendingCall struct {
	resultCh chan *rpc.Envelope
}

type runtime struct {
	plugin Plugin
	hooks  map[string]HookFunc

	out   io.Writer
	in    io.Reader
	wmu   sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall

	pctx *Context
}

// Serve runs the sandbox side of the envelope protocol over stdin/stdout
// (spec §4.1, §4.7): it sends SANDBOX_READY, answers the host's INIT
// handshake, then services HOOK_CALL envelopes by dispatching to p's
// registered hooks until its stdin closes or an "onUnload" hook call is
// answered. It blocks until the host closes the connection.
func Serve(p Plugin) error {
	return serve(p, os.Stdin, os.Stdout)
}

func serve(p Plugin, in io.Reader, out io.Writer) error {
	rt := &runtime{
		plugin:  p,
		hooks:   p.Hooks(),
		in:      in,
		out:     out,
		pending: make(map[string]*pendingCall),
	}
	rt.pctx = &Context{PluginID: p.Manifest().ID, rt: rt}

	if err := rt.writeFrame(rpc.NewSandboxReady()); err != nil {
		return fmt.Errorf("pluginsdk: send SANDBOX_READY: %w", err)
	}

	for {
		env, err := rpc.ReadFrame(rt.in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pluginsdk: read frame: %w", err)
		}

		switch env.Kind {
		case rpc.KindInit:
			rt.handleInit(env)
		case rpc.KindHookCall:
			go rt.handleHookCall(env)
		case rpc.KindResponseOK, rpc.KindResponseErr:
			rt.settle(env)
		}
	}
}

type initPayload struct {
	PluginID    string         `json:"pluginId"`
	Config      map[string]any `json:"config"`
	Permissions Grant          `json:"permissions"`
}

func (rt *runtime) handleInit(env *rpc.Envelope) {
	var p initPayload
	_ = rpc.DecodePayload(env, &p)
	rt.pctx.PluginID = p.PluginID
	rt.pctx.Config = p.Config
	rt.pctx.Permissions = p.Permissions

	resp, err := rpc.NewResponseOK(env.ID, map[string]any{"ready": true})
	if err != nil {
		resp = rpc.NewResponseErr(env.ID, "INIT_FAILED", err.Error(), "")
	}
	_ = rt.writeFrame(resp)
}

func (rt *runtime) handleHookCall(env *rpc.Envelope) {
	hook, ok := rt.hooks[env.Method]
	if !ok {
		_ = rt.writeFrame(rpc.NewResponseErr(env.ID, "UNKNOWN_HOOK", fmt.Sprintf("no hook registered for %q", env.Method), ""))
		return
	}

	result, err := hook(context.Background(), rt.pctx, env.Payload)

	var resp *rpc.Envelope
	if err != nil {
		code, message := "HOOK_FAILED", err.Error()
		if he, ok := err.(*HookError); ok {
			code, message = he.Code, he.Message
		}
		resp = rpc.NewResponseErr(env.ID, code, message, "")
	} else {
		resp, err = rpc.NewResponseOK(env.ID, result)
		if err != nil {
			resp = rpc.NewResponseErr(env.ID, "HOOK_FAILED", err.Error(), "")
		}
	}
	_ = rt.writeFrame(resp)
}

func (rt *runtime) settle(env *rpc.Envelope) {
	rt.mu.Lock()
	pc, ok := rt.pending[env.ID]
	if ok {
		delete(rt.pending, env.ID)
	}
	rt.mu.Unlock()
	if ok {
		pc.resultCh <- env
	}
}

// sysCall issues a SYS_CALL envelope and blocks for its matching response,
// or until ctx is done.
func (rt *runtime) sysCall(ctx context.Context, method string, payload any) (*rpc.Envelope, error) {
	env, err := rpc.NewSysCall(method, payload)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{resultCh: make(chan *rpc.Envelope, 1)}
	rt.mu.Lock()
	rt.pending[env.ID] = pc
	rt.mu.Unlock()

	if err := rt.writeFrame(env); err != nil {
		rt.mu.Lock()
		delete(rt.pending, env.ID)
		rt.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.resultCh:
		return resp, nil
	case <-ctx.Done():
		rt.mu.Lock()
		delete(rt.pending, env.ID)
		rt.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (rt *runtime) writeFrame(env *rpc.Envelope) error {
	rt.wmu.Lock()
	defer rt.wmu.Unlock()
	return rpc.WriteFrame(rt.out, env)
}
