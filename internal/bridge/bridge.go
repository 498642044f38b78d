// Package bridge owns one sandboxed plugin worker: spawning it, running
// the SANDBOX_READY/INIT handshake, dispatching hook calls into it, and
// servicing sys-calls it sends back out (spec §4.7).
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	execsafety "github.com/frontclaw/core/internal/exec"
	"github.com/frontclaw/core/internal/guard"
	"github.com/frontclaw/core/internal/plugin"
	"github.com/frontclaw/core/internal/ratelimit"
	"github.com/frontclaw/core/internal/rpc"
	"github.com/frontclaw/core/internal/syscall"
)

// Timeouts, per spec §4.7 and §8.
const (
	DefaultHookTimeout          = 5 * time.Second
	DefaultSysCallTimeout       = 30 * time.Second
	DefaultSandboxReadyTimeout  = 5 * time.Second
)

// ErrSandboxReadyTimeout is raised when the spawned sandbox does not
// emit SANDBOX_READY within Options.SandboxReadyTimeout.
var ErrSandboxReadyTimeout = fmt.Errorf("SANDBOX_READY_TIMEOUT")

// ErrHookTimeout is raised when a hook call's response does not arrive
// within Options.HookTimeout.
var ErrHookTimeout = fmt.Errorf("HOOK_TIMEOUT")

// ErrWorkerStopped is the rejection reason given to every pending call
// when the bridge shuts down.
var ErrWorkerStopped = fmt.Errorf("WORKER_STOPPED")

// SysCallDispatcher services one SYS_CALL envelope end to end and
// returns its result or a coded error (implemented by internal/syscall.Handler).
type SysCallDispatcher interface {
	Dispatch(ctx context.Context, g *guard.Guard, pluginID, method string, payload json.RawMessage) (any, error)
}

// Options configures a Bridge.
type Options struct {
	HookTimeout         time.Duration
	SysCallTimeout      time.Duration
	SandboxReadyTimeout time.Duration
	// HookBurstConfig bounds how fast the host may dispatch hook calls
	// into one worker, independent of the sys-call rolling quota the
	// worker itself is subject to in the other direction.
	HookBurst ratelimit.Config
}

func (o Options) withDefaults() Options {
	if o.HookTimeout == 0 {
		o.HookTimeout = DefaultHookTimeout
	}
	if o.SysCallTimeout == 0 {
		o.SysCallTimeout = DefaultSysCallTimeout
	}
	if o.SandboxReadyTimeout == 0 {
		o.SandboxReadyTimeout = DefaultSandboxReadyTimeout
	}
	if o.HookBurst.RequestsPerSecond == 0 {
		o.HookBurst = ratelimit.DefaultConfig()
	}
	return o
}

type pendingCall struct {
	resultCh chan *rpc.Envelope
	timer    *time.Timer
}

// Bridge owns exactly one sandbox process for one loaded plugin.
type Bridge struct {
	plugin  *plugin.LoadedPlugin
	guard   *guard.Guard
	handler SysCallDispatcher
	opts    Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	burst *ratelimit.Bucket

	mu       sync.Mutex
	pending  map[string]*pendingCall
	stopped  bool
	readLoop chan struct{} // closed when the read loop exits

	writeMu sync.Mutex
}

// spawnFunc abstracts process creation so tests can substitute a fake
// sandbox binary without depending on a real plugin runtime.
type spawnFunc func(entryPath string, args []string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func defaultSpawn(entryPath string, args []string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	sanitizedEntry, err := execsafety.SanitizeExecutableValue(entryPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unsafe entry path: %w", err)
	}
	sanitizedArgs, err := execsafety.SanitizeArguments(args)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unsafe spawn argument: %w", err)
	}

	cmd := exec.Command(sanitizedEntry, sanitizedArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("spawn sandbox: %w", err)
	}
	return cmd, stdin, stdout, nil
}

// New constructs a Bridge for lp, not yet started.
func New(lp *plugin.LoadedPlugin, g *guard.Guard, handler SysCallDispatcher, opts Options) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		plugin:  lp,
		guard:   g,
		handler: handler,
		opts:    opts,
		burst:   ratelimit.NewBucket(opts.HookBurst),
		pending: make(map[string]*pendingCall),
	}
}

// Start spawns the sandbox process and runs the SANDBOX_READY/INIT
// handshake.
func (b *Bridge) Start(ctx context.Context) error {
	return b.start(ctx, defaultSpawn)
}

func (b *Bridge) start(ctx context.Context, spawn spawnFunc) error {
	cmd, stdin, stdout, err := spawn(b.plugin.EntryPath, nil)
	if err != nil {
		return err
	}
	b.cmd = cmd
	b.stdin = stdin
	b.stdout = stdout
	b.readLoop = make(chan struct{})

	readyCh := make(chan *rpc.Envelope, 1)
	go b.runReadLoop(readyCh)

	select {
	case env := <-readyCh:
		if env.Kind != rpc.KindSandboxReady {
			return fmt.Errorf("expected SANDBOX_READY, got %s", env.Kind)
		}
	case <-time.After(b.opts.SandboxReadyTimeout):
		return ErrSandboxReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	initPayload := map[string]any{
		"pluginId":    b.plugin.Manifest.ID,
		"config":      b.plugin.Config,
		"permissions": b.plugin.Manifest.Permissions,
	}
	_, err = b.callHookWithTimeout(ctx, "init", initPayload, rpc.NewInit, b.opts.SandboxReadyTimeout)
	return err
}

// runReadLoop reads every frame from the sandbox's stdout and routes it:
// the first SANDBOX_READY goes to readyCh; RESPONSE_* frames settle a
// pending call; SYS_CALL frames are serviced and answered.
func (b *Bridge) runReadLoop(readyCh chan<- *rpc.Envelope) {
	defer close(b.readLoop)
	first := true
	for {
		env, err := rpc.ReadFrame(b.stdout)
		if err != nil {
			b.failAllPending(ErrWorkerStopped)
			return
		}
		if first && env.Kind == rpc.KindSandboxReady {
			first = false
			readyCh <- env
			continue
		}
		first = false

		switch env.Kind {
		case rpc.KindResponseOK, rpc.KindResponseErr:
			b.settle(env)
		case rpc.KindSysCall:
			go b.serviceSysCall(env)
		}
	}
}

func (b *Bridge) settle(env *rpc.Envelope) {
	b.mu.Lock()
	pc, ok := b.pending[env.ID]
	if ok {
		delete(b.pending, env.ID)
		pc.timer.Stop()
	}
	b.mu.Unlock()
	if ok {
		pc.resultCh <- env
	}
}

func (b *Bridge) failAllPending(reason error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.mu.Unlock()

	for id, pc := range pending {
		pc.timer.Stop()
		pc.resultCh <- rpc.NewResponseErr(id, "WORKER_STOPPED", reason.Error(), "")
	}
}

// serviceSysCall dispatches one SYS_CALL to the handler and posts the
// response. Stack text is stripped before the envelope ever reaches
// WriteFrame (spec §4.7, §9).
func (b *Bridge) serviceSysCall(env *rpc.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SysCallTimeout)
	defer cancel()

	result, err := b.handler.Dispatch(ctx, b.guard, b.plugin.Manifest.ID, env.Method, env.Payload)

	var resp *rpc.Envelope
	if err != nil {
		code, message := "SYSCALL_FAILED", err.Error()
		if ce, ok := err.(*syscall.CodedError); ok {
			code, message = ce.Code, ce.Message
		}
		resp = rpc.NewResponseErr(env.ID, code, message, "")
	} else {
		resp, err = rpc.NewResponseOK(env.ID, result)
		if err != nil {
			resp = rpc.NewResponseErr(env.ID, "SYSCALL_FAILED", err.Error(), "")
		}
	}

	b.writeFrame(rpc.StripStack(resp))
}

func (b *Bridge) writeFrame(env *rpc.Envelope) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return rpc.WriteFrame(b.stdin, env)
}

// CallHook invokes a hook on the sandbox and waits for its result,
// bounded by the configured hook timeout. A burst limiter independent
// of the sandbox's own sys-call quota throttles how fast the host may
// issue hook calls into a single worker.
func (b *Bridge) CallHook(ctx context.Context, method string, payload any) (*rpc.Envelope, error) {
	if !b.burst.Allow() {
		return nil, fmt.Errorf("hook dispatch burst limit exceeded for plugin %q", b.plugin.Manifest.ID)
	}
	return b.callHookWithTimeout(ctx, method, payload, rpc.NewHookCall, b.opts.HookTimeout)
}

func (b *Bridge) callHookWithTimeout(ctx context.Context, method string, payload any, build func(string, any) (*rpc.Envelope, error), timeout time.Duration) (*rpc.Envelope, error) {
	env, err := build(method, payload)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{resultCh: make(chan *rpc.Envelope, 1)}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrWorkerStopped
	}
	b.pending[env.ID] = pc
	b.mu.Unlock()

	pc.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		_, stillPending := b.pending[env.ID]
		delete(b.pending, env.ID)
		b.mu.Unlock()
		if stillPending {
			pc.resultCh <- rpc.NewResponseErr(env.ID, "HOOK_TIMEOUT", ErrHookTimeout.Error(), "")
		}
	})

	if err := b.writeFrame(env); err != nil {
		b.mu.Lock()
		delete(b.pending, env.ID)
		b.mu.Unlock()
		pc.timer.Stop()
		return nil, err
	}

	select {
	case resp := <-pc.resultCh:
		if resp.Kind == rpc.KindResponseErr {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop performs a best-effort onUnload hook call, cancels every pending
// call with WORKER_STOPPED, and terminates the sandbox process.
// Idempotent (spec §4.7).
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	unloadCtx, cancel := context.WithTimeout(ctx, b.opts.HookTimeout)
	_, _ = b.callHookWithTimeout(unloadCtx, "onUnload", nil, rpc.NewHookCall, b.opts.HookTimeout)
	cancel()

	b.failAllPending(ErrWorkerStopped)

	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
		_ = b.cmd.Wait()
	}

	if b.readLoop != nil {
		select {
		case <-b.readLoop:
		case <-time.After(time.Second):
		}
	}
	return nil
}
