package bridge

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/permission"
	"github.com/frontclaw/core/internal/plugin"
	"github.com/frontclaw/core/internal/rpc"
)

type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *guard.Guard, pluginID, method string, _ json.RawMessage) (any, error) {
	f.calls = append(f.calls, pluginID+":"+method)
	return map[string]any{"ok": true}, nil
}

// pipeHarness wires a Bridge to an in-process fake sandbox over two
// io.Pipe pairs, so tests exercise the real framing/handshake code
// without spawning a process.
type pipeHarness struct {
	hostIn, sandboxOut *io.PipeWriter
	sandboxIn          *io.PipeReader
	hostOut            *io.PipeReader
}

func newPipeHarness() (*pipeHarness, spawnFunc) {
	sandboxReader, hostWriter := io.Pipe()
	hostReader, sandboxWriter := io.Pipe()

	h := &pipeHarness{
		hostIn:    hostWriter,
		sandboxIn: sandboxReader,
		hostOut:   hostReader,
		sandboxOut: sandboxWriter,
	}

	spawn := func(entryPath string, args []string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		return nil, hostWriter, hostReader, nil
	}
	return h, spawn
}

func testPlugin() *plugin.LoadedPlugin {
	return &plugin.LoadedPlugin{
		Manifest: &plugin.Manifest{ID: "sample-echo", Main: "main.js"},
		Dir:      "/plugins/sample-echo",
		EntryPath: "/plugins/sample-echo/main.js",
		Config:   map[string]any{},
	}
}

func TestBridgeStartHandshake(t *testing.T) {
	h, spawn := newPipeHarness()
	lp := testPlugin()
	g := guard.New(lp.Manifest.ID, permission.Grant{})
	b := New(lp, g, &fakeDispatcher{}, Options{})

	done := make(chan error, 1)
	go func() {
		done <- b.start(context.Background(), spawn)
	}()

	// Fake sandbox: announce readiness, then answer the INIT handshake.
	if err := rpc.WriteFrame(h.sandboxOut, rpc.NewSandboxReady()); err != nil {
		t.Fatalf("write SANDBOX_READY: %v", err)
	}
	initEnv, err := rpc.ReadFrame(h.sandboxIn)
	if err != nil {
		t.Fatalf("read INIT: %v", err)
	}
	if initEnv.Kind != rpc.KindInit {
		t.Fatalf("expected INIT, got %s", initEnv.Kind)
	}
	resp, err := rpc.NewResponseOK(initEnv.ID, map[string]any{"ready": true})
	if err != nil {
		t.Fatal(err)
	}
	if err := rpc.WriteFrame(h.sandboxOut, resp); err != nil {
		t.Fatalf("write INIT response: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}
}

func TestBridgeCallHookRoundTrip(t *testing.T) {
	h, spawn := newPipeHarness()
	lp := testPlugin()
	g := guard.New(lp.Manifest.ID, permission.Grant{})
	b := New(lp, g, &fakeDispatcher{}, Options{})

	go func() {
		rpc.WriteFrame(h.sandboxOut, rpc.NewSandboxReady())
		initEnv, _ := rpc.ReadFrame(h.sandboxIn)
		resp, _ := rpc.NewResponseOK(initEnv.ID, nil)
		rpc.WriteFrame(h.sandboxOut, resp)

		hookEnv, err := rpc.ReadFrame(h.sandboxIn)
		if err != nil {
			return
		}
		if hookEnv.Method == "onPromptReceived" {
			r, _ := rpc.NewResponseOK(hookEnv.ID, "transformed prompt")
			rpc.WriteFrame(h.sandboxOut, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.start(ctx, spawn); err != nil {
		t.Fatalf("start: %v", err)
	}

	resultEnv, err := b.CallHook(ctx, "onPromptReceived", map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("CallHook: %v", err)
	}
	var result string
	if err := rpc.DecodeResult(resultEnv, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result != "transformed prompt" {
		t.Fatalf("got %q", result)
	}
}

func TestBridgeServicesSysCall(t *testing.T) {
	h, spawn := newPipeHarness()
	lp := testPlugin()
	g := guard.New(lp.Manifest.ID, permission.Grant{})
	dispatcher := &fakeDispatcher{}
	b := New(lp, g, dispatcher, Options{})

	responseCh := make(chan *rpc.Envelope, 1)
	go func() {
		rpc.WriteFrame(h.sandboxOut, rpc.NewSandboxReady())
		initEnv, _ := rpc.ReadFrame(h.sandboxIn)
		resp, _ := rpc.NewResponseOK(initEnv.ID, nil)
		rpc.WriteFrame(h.sandboxOut, resp)

		sysCall, _ := rpc.NewSysCall("memory.get", map[string]any{"key": "k"})
		rpc.WriteFrame(h.sandboxOut, sysCall)

		env, err := rpc.ReadFrame(h.sandboxIn)
		if err == nil {
			responseCh <- env
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.start(ctx, spawn); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case env := <-responseCh:
		if env.Kind != rpc.KindResponseOK {
			t.Fatalf("expected RESPONSE_OK, got %s: %v", env.Kind, env.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sys-call response")
	}

	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "sample-echo:memory.get" {
		t.Fatalf("unexpected dispatcher calls: %v", dispatcher.calls)
	}
}

func TestBridgeStopIsIdempotentAndFailsPending(t *testing.T) {
	h, spawn := newPipeHarness()
	lp := testPlugin()
	g := guard.New(lp.Manifest.ID, permission.Grant{})
	b := New(lp, g, &fakeDispatcher{}, Options{})

	go func() {
		rpc.WriteFrame(h.sandboxOut, rpc.NewSandboxReady())
		initEnv, _ := rpc.ReadFrame(h.sandboxIn)
		resp, _ := rpc.NewResponseOK(initEnv.ID, nil)
		rpc.WriteFrame(h.sandboxOut, resp)
		// Never answer onUnload; Stop must still return.
		rpc.ReadFrame(h.sandboxIn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.start(ctx, spawn); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.opts.HookTimeout = 50 * time.Millisecond
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}
