// Package chat runs one client turn: streaming the upstream response,
// dispatching tool calls and agent delegations, and committing the
// result to the session store.
package chat

// Event is one server-sent event: a name and a JSON-serializable
// payload.
type Event struct {
	Name string
	Data map[string]any
}

func contentDelta(content string) Event {
	return Event{Name: "content_delta", Data: map[string]any{
		"content": content,
		"role":    "assistant",
	}}
}

func thinkingDelta(content string) Event {
	return Event{Name: "thinking_delta", Data: map[string]any{"content": content}}
}

func toolCallEvent(name string, args map[string]any, index int) Event {
	return Event{Name: "tool_call", Data: map[string]any{
		"tool_name":  name,
		"arguments":  args,
		"call_index": index,
	}}
}

func confirmationRequired(name string, args map[string]any, index int, confirmationID string) Event {
	return Event{Name: "tool_call_confirmation_required", Data: map[string]any{
		"tool_name":       name,
		"arguments":       args,
		"call_index":      index,
		"confirmation_id": confirmationID,
	}}
}

func toolResultEvent(name string, success bool, result, errorMessage string, index int) Event {
	data := map[string]any{
		"tool_name":  name,
		"success":    success,
		"result":     result,
		"call_index": index,
	}
	if errorMessage != "" {
		data["error_message"] = errorMessage
	}
	return Event{Name: "tool_result", Data: data}
}

func toolContinuation() Event {
	return Event{Name: "tool_continuation_start", Data: map[string]any{
		"message": "continuing with tool results",
	}}
}

func messageComplete(messageID, model string, evalCount, promptEvalCount, contextWindow int) Event {
	return Event{Name: "message_complete", Data: map[string]any{
		"message_id":        messageID,
		"model":             model,
		"eval_count":        evalCount,
		"prompt_eval_count": promptEvalCount,
		"context_window":    contextWindow,
	}}
}

func errorEvent(code, message string, details map[string]any) Event {
	return Event{Name: "error", Data: map[string]any{
		"code":    code,
		"message": message,
		"details": details,
	}}
}

func doneEvent(sessionID string) Event {
	return Event{Name: "done", Data: map[string]any{"session_id": sessionID}}
}
