package chatdriver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ToolCallSummary reports one executor invocation surfaced in a done
// event (spec §4.9).
type ToolCallSummary struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// DoneResult is the payload of the terminal done event / JSON response.
type DoneResult struct {
	ConversationID     string            `json:"conversationId"`
	UserMessageID      string            `json:"userMessageId"`
	AssistantMessageID string            `json:"assistantMessageId"`
	Response           string            `json:"response"`
	InterceptedBy      string            `json:"interceptedBy,omitempty"`
	ToolCalls          []ToolCallSummary `json:"toolCalls,omitempty"`
}

// EventSink receives the chat driver's events, either over SSE or by
// accumulation for a synchronous JSON response.
type EventSink interface {
	Meta(conversationID, userMessageID string)
	Delta(text string)
	ToolStart(name string)
	ToolResult(name string, success bool)
	ToolError(name string, message string)
	Done(result DoneResult)
	Error(code, message, blockedBy string)
}

// sseSink writes `event: <name>\ndata: <json>\n\n` frames to an
// http.ResponseWriter. Closed exactly once; subsequent sends are no-ops
// (spec §4.9).
type sseSink struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
}

// NewSSESink wires an EventSink to w, which must support http.Flusher for
// incremental delivery.
func NewSSESink(w http.ResponseWriter) EventSink {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	flush := func() {}
	if flusher != nil {
		flush = flusher.Flush
	}
	return &sseSink{w: w, flush: flush}
}

func (s *sseSink) send(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flush()
	if event == "done" || event == "error" {
		s.closed = true
	}
}

func (s *sseSink) Meta(conversationID, userMessageID string) {
	s.send("meta", map[string]string{"conversationId": conversationID, "userMessageId": userMessageID})
}
func (s *sseSink) Delta(text string) { s.send("delta", map[string]string{"text": text}) }
func (s *sseSink) ToolStart(name string) {
	s.send("tool_start", map[string]string{"name": name})
}
func (s *sseSink) ToolResult(name string, success bool) {
	s.send("tool_result", map[string]any{"name": name, "success": success})
}
func (s *sseSink) ToolError(name, message string) {
	s.send("tool_error", map[string]string{"name": name, "message": message})
}
func (s *sseSink) Done(result DoneResult) { s.send("done", result) }
func (s *sseSink) Error(code, message, blockedBy string) {
	payload := map[string]string{"code": code, "message": message}
	if blockedBy != "" {
		payload["blockedBy"] = blockedBy
	}
	s.send("error", payload)
}

// CollectingSink accumulates events in memory for the non-streaming JSON
// response mode; it never writes to a wire.
type CollectingSink struct {
	ConversationID string
	UserMessageID  string
	Done           *DoneResult
	Err            *struct {
		Code      string
		Message   string
		BlockedBy string
	}
	ToolCalls []ToolCallSummary
}

func (c *CollectingSink) Meta(conversationID, userMessageID string) {
	c.ConversationID = conversationID
	c.UserMessageID = userMessageID
}
func (c *CollectingSink) Delta(string)      {}
func (c *CollectingSink) ToolStart(string)  {}
func (c *CollectingSink) ToolResult(name string, success bool) {
	c.ToolCalls = append(c.ToolCalls, ToolCallSummary{Name: name, Success: success})
}
func (c *CollectingSink) ToolError(name, _ string) {
	c.ToolCalls = append(c.ToolCalls, ToolCallSummary{Name: name, Success: false})
}
func (c *CollectingSink) Done(result DoneResult) { c.Done = &result }
func (c *CollectingSink) Error(code, message, blockedBy string) {
	c.Err = &struct {
		Code      string
		Message   string
		BlockedBy string
	}{Code: code, Message: message, BlockedBy: blockedBy}
}
