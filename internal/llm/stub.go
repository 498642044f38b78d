package llm

import "context"

// StubProvider is a network-free Provider used by tests across this
// module (chatdriver, orchestrator wiring) so they never depend on a
// real LLM backend. Script is consumed one entry per Complete call; once
// exhausted, Complete replays the last entry.
type StubProvider struct {
	Script []StubTurn
	calls  int
}

// StubTurn is one scripted response: either plain text, or a tool call
// followed by a final text once the executor's result comes back.
type StubTurn struct {
	Text      string
	ToolCalls []ToolCall
}

func (s *StubProvider) Name() string { return "stub" }

// Complete streams the next scripted turn as a sequence of chunks: any
// tool calls first, then the text, then a final Done chunk.
func (s *StubProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error) {
	idx := s.calls
	if idx >= len(s.Script) {
		idx = len(s.Script) - 1
	}
	s.calls++

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		if idx < 0 {
			ch <- Chunk{Done: true}
			return
		}
		turn := s.Script[idx]
		for _, tc := range turn.ToolCalls {
			tc := tc
			select {
			case ch <- Chunk{ToolCall: &tc}:
			case <-ctx.Done():
				return
			}
		}
		if turn.Text != "" {
			select {
			case ch <- Chunk{Text: turn.Text}:
			case <-ctx.Done():
				return
			}
		}
		ch <- Chunk{Done: true}
	}()
	return ch, nil
}
