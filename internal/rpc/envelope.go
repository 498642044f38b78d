// Package rpc defines the tagged envelope that is the only shape allowed to
// cross the host/sandbox trust boundary (spec §4.1). Every message, in
// either direction, is one Envelope: a hook call into a plugin, a sys-call
// out of a plugin, a response, or a lifecycle signal.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the shape of an Envelope's payload.
type Kind string

const (
	KindHookCall      Kind = "HOOK_CALL"
	KindSysCall       Kind = "SYS_CALL"
	KindResponseOK    Kind = "RESPONSE_OK"
	KindResponseErr   Kind = "RESPONSE_ERR"
	KindSandboxReady  Kind = "SANDBOX_READY"
	KindInit          Kind = "INIT"
)

// ErrorShape is the only error representation allowed across the boundary:
// a stable code, a human message, and (host-side only, never serialized to
// the sandbox) a redacted stack trace used for server-side logging.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorShape) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the single wire shape crossing the trust boundary. Fields
// that do not apply to a given Kind are left zero.
type Envelope struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Kind      Kind            `json:"type"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorShape     `json:"error,omitempty"`
}

// NewID returns a cryptographically random id. Envelope ids never collide
// within a worker's lifetime by virtue of UUIDv4's collision space.
func NewID() string {
	return uuid.NewString()
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewHookCall builds a HOOK_CALL envelope carrying method and payload.
func NewHookCall(method string, payload any) (*Envelope, error) {
	return newRequest(KindHookCall, method, payload)
}

// NewSysCall builds a SYS_CALL envelope carrying method and payload.
func NewSysCall(method string, payload any) (*Envelope, error) {
	return newRequest(KindSysCall, method, payload)
}

func newRequest(kind Kind, method string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		ID:        NewID(),
		Timestamp: now(),
		Kind:      kind,
		Method:    method,
		Payload:   raw,
	}, nil
}

// NewResponseOK builds a RESPONSE_OK envelope echoing the request id.
func NewResponseOK(requestID string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{
		ID:        requestID,
		Timestamp: now(),
		Kind:      KindResponseOK,
		Result:    raw,
	}, nil
}

// NewResponseErr builds a RESPONSE_ERR envelope echoing the request id.
// stack is retained on the returned value for host-side logging only; callers
// MUST strip it (see StripStack) before the envelope is written to a wire
// that reaches a sandbox.
func NewResponseErr(requestID string, code, message, stack string) *Envelope {
	return &Envelope{
		ID:        requestID,
		Timestamp: now(),
		Kind:      KindResponseErr,
		Error:     &ErrorShape{Code: code, Message: message, Stack: stack},
	}
}

// StripStack returns a copy of env with Error.Stack cleared. Call this on
// every envelope immediately before it is written to the sandbox-facing
// stream; stack text must never leave the host process (spec §7, §9).
func StripStack(env *Envelope) *Envelope {
	if env == nil || env.Error == nil || env.Error.Stack == "" {
		return env
	}
	clone := *env
	errCopy := *env.Error
	errCopy.Stack = ""
	clone.Error = &errCopy
	return &clone
}

// NewSandboxReady builds the signal a spawned sandbox sends once its
// runtime has finished bootstrapping.
func NewSandboxReady() *Envelope {
	return &Envelope{ID: NewID(), Timestamp: now(), Kind: KindSandboxReady}
}

// NewInit builds the INIT handshake sent by the host immediately after
// SANDBOX_READY is observed.
func NewInit(payload any) (*Envelope, error) {
	return newRequest(KindInit, "init", payload)
}

// maxFrameBytes bounds a single envelope to guard against a runaway or
// malicious sandbox sending an unbounded length prefix.
const maxFrameBytes = 64 << 20 // 64MiB

// WriteFrame writes env to w as a 4-byte big-endian length prefix followed
// by its JSON encoding. This is the length-prefixed stream design note §9
// calls for instead of a shared-heap worker primitive.
func WriteFrame(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("envelope exceeds max frame size (%d bytes)", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if size > maxFrameBytes {
		return nil, fmt.Errorf("frame exceeds max size (%d bytes)", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DecodePayload unmarshals env.Payload into v.
func DecodePayload(env *Envelope, v any) error {
	if env == nil || len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, v)
}

// DecodeResult unmarshals env.Result into v.
func DecodeResult(env *Envelope, v any) error {
	if env == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, v)
}
