package pluginsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/frontclaw/core/internal/rpc"
)

type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	closed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.buf.Write(b)
	p.cond.Broadcast()
	return n, err
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 && p.closed {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

type echoPlugin struct{}

func (echoPlugin) Manifest() *Manifest {
	return &Manifest{ID: "sample-echo", Name: "Sample Echo", Version: "0.1.0", Main: "plugin"}
}

func (echoPlugin) Hooks() map[string]HookFunc {
	return map[string]HookFunc{
		"echo": func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, err
			}
			return map[string]any{"echoed": in.Message, "pluginId": pc.PluginID}, nil
		},
		"useDB": func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error) {
			return pc.DB().Query(ctx, "SELECT 1", nil)
		},
		"unloadable": func(ctx context.Context, pc *Context, payload json.RawMessage) (any, error) {
			return nil, &HookError{Code: "SHUTTING_DOWN", Message: "goodbye"}
		},
	}
}

// hostHarness drives a runtime under test the way internal/bridge does
// from the other end: it writes HOOK_CALL/RESPONSE_* envelopes into the
// plugin's stdin and reads whatever the plugin writes to its stdout.
type hostHarness struct {
	t        *testing.T
	toPlugin *pipe
	fromPlugin *pipe
}

func (h *hostHarness) next() *rpc.Envelope {
	h.t.Helper()
	env, err := rpc.ReadFrame(h.fromPlugin)
	if err != nil {
		h.t.Fatalf("ReadFrame() error = %v", err)
	}
	return env
}

func (h *hostHarness) send(env *rpc.Envelope) {
	h.t.Helper()
	if err := rpc.WriteFrame(h.toPlugin, env); err != nil {
		h.t.Fatalf("WriteFrame() error = %v", err)
	}
}

func newHarness(t *testing.T, p Plugin) *hostHarness {
	t.Helper()
	toPlugin := newPipe()
	fromPlugin := newPipe()
	h := &hostHarness{t: t, toPlugin: toPlugin, fromPlugin: fromPlugin}

	done := make(chan error, 1)
	go func() {
		done <- serve(p, toPlugin, fromPlugin)
	}()
	t.Cleanup(func() {
		toPlugin.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("serve did not exit after stdin closed")
		}
	})

	ready := h.next()
	if ready.Kind != rpc.KindSandboxReady {
		t.Fatalf("expected SANDBOX_READY, got %s", ready.Kind)
	}
	return h
}

func TestServeSendsReadyThenAnswersInit(t *testing.T) {
	h := newHarness(t, echoPlugin{})

	initEnv, err := rpc.NewInit(map[string]any{
		"pluginId":    "sample-echo",
		"config":      map[string]any{"prefix": ">> "},
		"permissions": map[string]any{},
	})
	if err != nil {
		t.Fatalf("NewInit() error = %v", err)
	}
	h.send(initEnv)

	resp := h.next()
	if resp.Kind != rpc.KindResponseOK {
		t.Fatalf("expected RESPONSE_OK for init, got %s (%v)", resp.Kind, resp.Error)
	}
	if resp.ID != initEnv.ID {
		t.Fatalf("expected response to echo init id %q, got %q", initEnv.ID, resp.ID)
	}
}

func TestServeDispatchesHookCall(t *testing.T) {
	h := newHarness(t, echoPlugin{})

	callEnv, err := rpc.NewHookCall("echo", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("NewHookCall() error = %v", err)
	}
	h.send(callEnv)

	resp := h.next()
	if resp.Kind != rpc.KindResponseOK {
		t.Fatalf("expected RESPONSE_OK, got %s", resp.Kind)
	}
	var result map[string]any
	if err := rpc.DecodeResult(resp, &result); err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if result["echoed"] != "hello" {
		t.Fatalf("expected echoed=hello, got %v", result)
	}
}

func TestServeUnknownHookReturnsCodedError(t *testing.T) {
	h := newHarness(t, echoPlugin{})

	callEnv, _ := rpc.NewHookCall("doesNotExist", nil)
	h.send(callEnv)

	resp := h.next()
	if resp.Kind != rpc.KindResponseErr {
		t.Fatalf("expected RESPONSE_ERR, got %s", resp.Kind)
	}
	if resp.Error.Code != "UNKNOWN_HOOK" {
		t.Fatalf("expected UNKNOWN_HOOK, got %s", resp.Error.Code)
	}
}

func TestServeHookErrorCarriesCode(t *testing.T) {
	h := newHarness(t, echoPlugin{})

	callEnv, _ := rpc.NewHookCall("unloadable", nil)
	h.send(callEnv)

	resp := h.next()
	if resp.Kind != rpc.KindResponseErr || resp.Error.Code != "SHUTTING_DOWN" {
		t.Fatalf("expected RESPONSE_ERR SHUTTING_DOWN, got %s %v", resp.Kind, resp.Error)
	}
}

func TestServeHookIssuesSysCallAndAwaitsResponse(t *testing.T) {
	h := newHarness(t, echoPlugin{})

	callEnv, _ := rpc.NewHookCall("useDB", nil)
	h.send(callEnv)

	sysCall := h.next()
	if sysCall.Kind != rpc.KindSysCall || sysCall.Method != "db.query" {
		t.Fatalf("expected SYS_CALL db.query, got %s %s", sysCall.Kind, sysCall.Method)
	}

	sysResp, err := rpc.NewResponseOK(sysCall.ID, map[string]any{"rows": []any{}})
	if err != nil {
		t.Fatalf("NewResponseOK() error = %v", err)
	}
	h.send(sysResp)

	hookResp := h.next()
	if hookResp.Kind != rpc.KindResponseOK {
		t.Fatalf("expected RESPONSE_OK for hook, got %s (%v)", hookResp.Kind, hookResp.Error)
	}
}

func TestInterceptAndEndRequestShapes(t *testing.T) {
	wrapped := Intercept(map[string]any{"ok": true})
	if wrapped["__intercept"] != true {
		t.Fatalf("expected __intercept=true, got %v", wrapped)
	}

	control := EndRequest("done")
	fc, ok := control["__frontclaw"].(map[string]any)
	if !ok || fc["mode"] != "end_request" || fc["response"] != "done" {
		t.Fatalf("unexpected control envelope shape: %v", control)
	}
}
