// Package chatdriver implements the chat pipeline and its SSE/JSON HTTP
// surface (spec §4.9, §6): fetch-or-create the conversation, run the
// prompt/response pipelines, stream the LLM completion with a
// tool-executor callback, and persist the turn.
package chatdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/frontclaw/core/internal/convstore"
	"github.com/frontclaw/core/internal/llm"
	"github.com/frontclaw/core/internal/orchestrator"
	"github.com/frontclaw/core/internal/rpc"
)

func marshalCompact(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

const defaultHistoryLimit = 50

// Orchestrator is the subset of *orchestrator.Orchestrator the driver
// needs, declared locally so tests can substitute a fake pipeline runner.
type Orchestrator interface {
	ProcessPrompt(ctx context.Context, prompt string) (string, *orchestrator.Intercepted, error)
	TransformSystemMessage(ctx context.Context, msg string) string
	BeforeLLMCall(ctx context.Context, messages []map[string]any) ([]map[string]any, *orchestrator.Intercepted, error)
	AfterLLMCall(ctx context.Context, response string) string
	CollectTools(ctx context.Context) ([]orchestrator.ToolDescriptor, error)
	CollectSkills(ctx context.Context) ([]orchestrator.ToolDescriptor, error)
	ExecuteForLLM(ctx context.Context, fullName string, args any) (any, *orchestrator.ControlEnvelope, error)
}

// DriverError is a typed chat-pipeline failure carrying the HTTP status it
// maps to (spec §7) and, for a pipeline phase a plugin blocked, that
// plugin's id (spec §6 error shape, `blockedBy`).
type DriverError struct {
	Code       string
	Message    string
	HTTPStatus int
	BlockedBy  string
}

func (e *DriverError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func badRequest(message string) *DriverError {
	return &DriverError{Code: "BAD_REQUEST", Message: message, HTTPStatus: 400}
}
func notFound(message string) *DriverError {
	return &DriverError{Code: "NOT_FOUND", Message: message, HTTPStatus: 404}
}
func internalError(message string) *DriverError {
	return &DriverError{Code: "INTERNAL", Message: message, HTTPStatus: 500}
}

// ChatRequest is the decoded body of POST /api/v1/chat (spec §6).
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	ProfileID      string `json:"profileId,omitempty"`
	Title          string `json:"title,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
}

// Driver assembles a conversation turn and drives it through the
// orchestrator's pipelines and an LLM provider.
type Driver struct {
	Orch         Orchestrator
	Store        convstore.Store
	Provider     llm.Provider
	Model        string
	MaxTokens    int
	HistoryLimit int
}

func (d *Driver) historyLimit() int {
	if d.HistoryLimit > 0 {
		return d.HistoryLimit
	}
	return defaultHistoryLimit
}

func toolsSystemBlock(tools, skills []orchestrator.ToolDescriptor) string {
	if len(tools) == 0 && len(skills) == 0 {
		return ""
	}
	block := "\n\nYou have access to the following tools:\n"
	for _, t := range tools {
		block += fmt.Sprintf("- %s: %s\n", t.FullName, t.Description)
	}
	for _, s := range skills {
		block += fmt.Sprintf("- %s: %s\n", s.FullName, s.Description)
	}
	return block
}

func toolSpecs(tools, skills []orchestrator.ToolDescriptor) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(tools)+len(skills))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.FullName, Description: t.Description, Schema: t.Schema})
	}
	for _, s := range skills {
		specs = append(specs, llm.ToolSpec{Name: s.FullName, Description: s.Description, Schema: s.Schema})
	}
	return specs
}

// Run executes one chat turn end to end, emitting every event through
// sink (spec §4.9). It returns the terminal error, if any, for callers
// that need the HTTP status mapping; sink.Error has already been called
// in that case.
func (d *Driver) Run(ctx context.Context, req ChatRequest, sink EventSink) *DriverError {
	if req.Message == "" {
		derr := badRequest("message is required")
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}

	conv, derr := d.fetchOrCreate(ctx, req)
	if derr != nil {
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}

	userMsg, err := d.Store.AppendMessage(ctx, conv.ID, "user", req.Message, nil)
	if err != nil {
		derr := internalError(err.Error())
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}
	sink.Meta(conv.ID, userMsg.ID)

	prompt, intercepted, err := d.Orch.ProcessPrompt(ctx, req.Message)
	if err != nil {
		return d.fail(ctx, sink, err)
	}

	if conv.Title == "" {
		title := req.Title
		if title == "" {
			title = DeriveTitle(prompt)
		}
		if title != "" {
			_ = d.Store.SetTitle(ctx, conv.ID, title)
		}
	}

	if intercepted != nil {
		return d.finishWithText(ctx, conv.ID, userMsg.ID, sink, fmt.Sprint(intercepted.Result), intercepted.PluginID, nil)
	}

	tools, _ := d.Orch.CollectTools(ctx)
	skills, _ := d.Orch.CollectSkills(ctx)

	system := req.SystemPrompt + toolsSystemBlock(tools, skills)
	system = d.Orch.TransformSystemMessage(ctx, system)

	history, err := d.Store.History(ctx, conv.ID, d.historyLimit())
	if err != nil {
		derr := internalError(err.Error())
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}

	messages := make([]map[string]any, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	messages, intercepted, err = d.Orch.BeforeLLMCall(ctx, messages)
	if err != nil {
		return d.fail(ctx, sink, err)
	}
	if intercepted != nil {
		return d.finishWithText(ctx, conv.ID, userMsg.ID, sink, fmt.Sprint(intercepted.Result), intercepted.PluginID, nil)
	}

	llmMessages := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		llmMessages = append(llmMessages, llm.Message{
			Role:    fmt.Sprint(m["role"]),
			Content: fmt.Sprint(m["content"]),
		})
	}

	finalText, toolCalls, control, err := d.stream(ctx, system, llmMessages, toolSpecs(tools, skills), sink)
	if err != nil {
		derr := internalError(err.Error())
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}

	if control != nil {
		return d.finishWithText(ctx, conv.ID, userMsg.ID, sink, control.Response, "", toolCalls)
	}

	response := d.Orch.AfterLLMCall(ctx, finalText)
	return d.finishWithText(ctx, conv.ID, userMsg.ID, sink, response, "", toolCalls)
}

func (d *Driver) fetchOrCreate(ctx context.Context, req ChatRequest) (*convstore.Conversation, *DriverError) {
	if req.ConversationID == "" {
		conv, err := d.Store.Create(ctx, req.ProfileID)
		if err != nil {
			return nil, internalError(err.Error())
		}
		return conv, nil
	}
	conv, err := d.Store.Get(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			return nil, notFound(fmt.Sprintf("conversation %q not found", req.ConversationID))
		}
		return nil, internalError(err.Error())
	}
	return conv, nil
}

// fail maps a pipeline-phase failure to the HTTP 403 "aborts the current
// pipeline phase" outcome spec §7 assigns every entry in its error table
// (PERMISSION_DENIED, HOOK_TIMEOUT, WORKER_STOPPED, and a plugin's own
// thrown code alike) — recovering the real code the plugin (or the
// bridge) attached via the wrapped *rpc.ErrorShape, falling back to
// PERMISSION_DENIED only when the failure carries none (e.g. a bare
// context cancellation).
func (d *Driver) fail(ctx context.Context, sink EventSink, err error) *DriverError {
	var fe *orchestrator.FailedError
	if errors.As(err, &fe) {
		code := "PERMISSION_DENIED"
		var es *rpc.ErrorShape
		if errors.As(err, &es) {
			code = es.Code
		}
		derr := &DriverError{Code: code, Message: fe.Error(), HTTPStatus: 403, BlockedBy: fe.PluginID}
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}
	derr := internalError(err.Error())
	sink.Error(derr.Code, derr.Message, derr.BlockedBy)
	return derr
}

func (d *Driver) finishWithText(ctx context.Context, conversationID, userMessageID string, sink EventSink, text, interceptedBy string, toolCalls []ToolCallSummary) *DriverError {
	var metadata map[string]any
	if interceptedBy != "" {
		metadata = map[string]any{"interceptedBy": interceptedBy}
	}
	assistantMsg, err := d.Store.AppendMessage(ctx, conversationID, "assistant", text, metadata)
	if err != nil {
		derr := internalError(err.Error())
		sink.Error(derr.Code, derr.Message, derr.BlockedBy)
		return derr
	}
	sink.Done(DoneResult{
		ConversationID:     conversationID,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMsg.ID,
		Response:           text,
		InterceptedBy:      interceptedBy,
		ToolCalls:          toolCalls,
	})
	return nil
}

// stream drives the provider's streaming completion, executing tool
// calls via the orchestrator's tool-executor callback and synthesizing a
// final answer if the stream ends with executed tools but no text
// (spec §4.9).
func (d *Driver) stream(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolSpec, sink EventSink) (string, []ToolCallSummary, *orchestrator.ControlEnvelope, error) {
	req := &llm.CompletionRequest{Model: d.Model, System: system, Messages: messages, Tools: tools, MaxTokens: d.MaxTokens}
	chunks, err := d.Provider.Complete(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var text string
	var toolCalls []ToolCallSummary
	var toolOutputs []map[string]any
	executedAny := false

	for chunk := range chunks {
		if chunk.Err != nil {
			return "", toolCalls, nil, chunk.Err
		}
		if chunk.Text != "" {
			text += chunk.Text
			sink.Delta(chunk.Text)
		}
		if chunk.ToolCall != nil {
			executedAny = true
			sink.ToolStart(chunk.ToolCall.Name)
			result, control, execErr := d.Orch.ExecuteForLLM(ctx, chunk.ToolCall.Name, chunk.ToolCall.Args)
			if control != nil {
				return "", toolCalls, control, nil
			}
			if execErr != nil {
				sink.ToolError(chunk.ToolCall.Name, execErr.Error())
				toolCalls = append(toolCalls, ToolCallSummary{Name: chunk.ToolCall.Name, Success: false})
				toolOutputs = append(toolOutputs, map[string]any{"name": chunk.ToolCall.Name, "error": execErr.Error()})
				continue
			}
			sink.ToolResult(chunk.ToolCall.Name, true)
			toolCalls = append(toolCalls, ToolCallSummary{Name: chunk.ToolCall.Name, Success: true})
			toolOutputs = append(toolOutputs, map[string]any{"name": chunk.ToolCall.Name, "result": result})
		}
		if chunk.Done {
			break
		}
	}

	if text == "" && executedAny {
		text, err = d.synthesize(ctx, system, messages, toolOutputs)
		if err != nil {
			return "", toolCalls, nil, err
		}
	}

	return text, toolCalls, nil, nil
}

// synthesize issues one more completion call with the executed tool
// outputs folded in as context, asking the provider for a final answer
// (spec §4.9: "run a synthesis call ... and use that text").
func (d *Driver) synthesize(ctx context.Context, system string, messages []llm.Message, toolOutputs []map[string]any) (string, error) {
	summary, err := marshalCompact(toolOutputs)
	if err != nil {
		summary = "[]"
	}
	synthesisMessages := append(append([]llm.Message{}, messages...), llm.Message{
		Role:    "assistant",
		Content: "Tool outputs: " + summary + "\nProduce a final answer for the user based on these results.",
	})
	req := &llm.CompletionRequest{Model: d.Model, System: system, Messages: synthesisMessages, MaxTokens: d.MaxTokens}
	chunks, err := d.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var text string
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		text += chunk.Text
		if chunk.Done {
			break
		}
	}
	return text, nil
}
