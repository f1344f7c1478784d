package session

import "github.com/mochi-ai/mochi-server/internal/ollama"

// UpstreamMessages projects persisted messages onto the upstream chat
// shape, preserving order and tool-call descriptors.
func UpstreamMessages(msgs []Message) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs))
	for _, m := range msgs {
		um := ollama.Message{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			um.ToolName = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			um.ToolCalls = append(um.ToolCalls, ollama.ToolCall{
				Function: ollama.ToolCallFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, um)
	}
	return out
}
