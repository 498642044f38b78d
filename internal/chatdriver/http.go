package chatdriver

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HandleChat implements POST /api/v1/chat (spec §6): SSE if stream=true
// or the client asked for text/event-stream, JSON otherwise.
func (d *Driver) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wantsStream := req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if wantsStream {
		sink := NewSSESink(w)
		w.WriteHeader(http.StatusOK)
		d.Run(r.Context(), req, sink)
		return
	}

	sink := &CollectingSink{}
	derr := d.Run(r.Context(), req, sink)
	if derr != nil {
		jsonErrorBody(w, derr, sink)
		return
	}

	tools := make([]string, 0, len(sink.ToolCalls))
	for _, tc := range sink.ToolCalls {
		tools = append(tools, tc.Name)
	}

	body := map[string]any{
		"success":        true,
		"conversationId": sink.Done.ConversationID,
		"response":       sink.Done.Response,
		"toolCalls":      sink.ToolCalls,
		"messages": map[string]string{
			"user":      sink.Done.UserMessageID,
			"assistant": sink.Done.AssistantMessageID,
		},
	}
	if sink.Done.InterceptedBy != "" {
		body["interceptedBy"] = sink.Done.InterceptedBy
	}
	jsonResponse(w, body)
}

func jsonErrorBody(w http.ResponseWriter, derr *DriverError, sink *CollectingSink) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(derr.HTTPStatus)
	body := map[string]any{
		"success": false,
		"message": derr.Message,
		"code":    derr.Code,
	}
	if sink.ConversationID != "" {
		body["conversationId"] = sink.ConversationID
	}
	if derr.BlockedBy != "" {
		body["blockedBy"] = derr.BlockedBy
	}
	_ = json.NewEncoder(w).Encode(body)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message})
}
