package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// EventSink receives turn events. A Send error means the client is gone
// and the turn should wind down.
type EventSink interface {
	Send(Event) error
}

// SSESink writes events as text/event-stream frames, flushing after
// each one.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

// NewSSESink prepares w for event streaming. Headers are written on the
// first Send, so pre-flight errors can still use a plain HTTP envelope.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one event frame.
func (s *SSESink) Send(ev Event) error {
	if !s.wrote {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether any bytes have been written to the client.
func (s *SSESink) Started() bool { return s.wrote }

// ExecutedCall is one tool call surfaced by the non-streaming variant.
type ExecutedCall struct {
	ToolName     string `json:"tool_name"`
	Success      bool   `json:"success"`
	Result       string `json:"result"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CollectSink aggregates a turn for the non-streaming variant: deltas
// are folded into the final content, tool results are retained, and the
// message_complete payload is kept.
type CollectSink struct {
	content  []byte
	executed []ExecutedCall
	complete map[string]any
	errData  map[string]any
}

// NewCollectSink returns an empty collector.
func NewCollectSink() *CollectSink {
	return &CollectSink{}
}

// Send accumulates one event.
func (c *CollectSink) Send(ev Event) error {
	switch ev.Name {
	case "content_delta":
		if s, ok := ev.Data["content"].(string); ok {
			c.content = append(c.content, s...)
		}
	case "tool_continuation_start":
		// Deltas before a continuation belong to the intermediate
		// assistant message, not the final one.
		c.content = c.content[:0]
	case "tool_result":
		call := ExecutedCall{}
		call.ToolName, _ = ev.Data["tool_name"].(string)
		call.Success, _ = ev.Data["success"].(bool)
		call.Result, _ = ev.Data["result"].(string)
		call.ErrorMessage, _ = ev.Data["error_message"].(string)
		c.executed = append(c.executed, call)
	case "message_complete":
		c.complete = ev.Data
	case "error":
		c.errData = ev.Data
	}
	return nil
}

// Message returns the final assistant content.
func (c *CollectSink) Message() string { return string(c.content) }

// Executed returns the aggregated tool calls.
func (c *CollectSink) Executed() []ExecutedCall { return c.executed }

// ContextWindow returns the window reported on message_complete.
func (c *CollectSink) ContextWindow() int {
	if c.complete == nil {
		return 0
	}
	if n, ok := c.complete["context_window"].(int); ok {
		return n
	}
	return 0
}

// Err returns the error event payload, if the turn ended in one.
func (c *CollectSink) Err() map[string]any { return c.errData }
