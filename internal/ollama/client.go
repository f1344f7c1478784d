// Package ollama is a thin client for an Ollama-compatible inference
// daemon. It is created once at startup and shared; chat responses are
// exposed as a finite, non-restartable chunk stream.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrModelNotFound is returned when the daemon does not know the model.
var ErrModelNotFound = errors.New("model not found")

// TransportError wraps a failure to reach the daemon at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "ollama unreachable: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// APIError is an error reported by the daemon itself.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama api error (status %d): %s", e.Status, e.Message)
}

// Client talks to one Ollama-compatible daemon.
type Client struct {
	host   string
	client *http.Client
}

// NewClient creates a client for the daemon at host
// (e.g. "http://localhost:11434"). The client never retries silently.
func NewClient(host string) *Client {
	return &Client{
		host: strings.TrimRight(host, "/"),
		// No overall timeout: chat streams are long-lived and bounded
		// by the request context instead.
		client: &http.Client{},
	}
}

// Host returns the configured daemon base URL.
func (c *Client) Host() string { return c.host }

// Ping reports whether the daemon is reachable.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns every model whose capability set includes
// "completion". Models whose detail lookup fails are skipped with a
// warning.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	body, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}

	var tags wireTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, &APIError{Status: http.StatusOK, Message: "malformed tags response: " + err.Error()}
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, tm := range tags.Models {
		name := tm.Model
		if name == "" {
			name = tm.Name
		}
		if name == "" {
			continue
		}
		info, err := c.show(ctx, name, &tm)
		if err != nil {
			slog.Warn("failed to get model details", "model", name, "error", err)
			continue
		}
		if info.HasCapability("completion") {
			models = append(models, *info)
		}
	}
	return models, nil
}

// GetModel returns the descriptor for a single model, or
// ErrModelNotFound.
func (c *Client) GetModel(ctx context.Context, name string) (*ModelInfo, error) {
	return c.show(ctx, name, nil)
}

func (c *Client) show(ctx context.Context, name string, tag *wireTagModel) (*ModelInfo, error) {
	payload, _ := json.Marshal(map[string]string{"model": name})
	body, err := c.post(ctx, "/api/show", payload)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrModelNotFound
		}
		return nil, err
	}

	var show wireShowResponse
	if err := json.Unmarshal(body, &show); err != nil {
		return nil, &APIError{Status: http.StatusOK, Message: "malformed show response: " + err.Error()}
	}

	info := &ModelInfo{
		Name:              name,
		Format:            show.Details.Format,
		Family:            show.Details.Family,
		ParameterSize:     show.Details.ParameterSize,
		QuantizationLevel: show.Details.QuantizationLevel,
		Capabilities:      show.Capabilities,
		ContextLength:     contextLengthFromInfo(show.ModelInfo, show.Details.Family),
	}
	if len(info.Capabilities) == 0 {
		info.Capabilities = []string{"completion"}
	}
	if tag != nil && tag.Size > 0 {
		info.SizeMB = float64(tag.Size) / (1024 * 1024)
	}
	return info, nil
}

// Stream is a finite sequence of chat chunks. Consume C until it
// closes, then check Err. Cancelling the request context aborts the
// underlying HTTP stream.
type Stream struct {
	C   <-chan Chunk
	err error
	// closed after err is set and before C closes
	done chan struct{}
}

// NewStream wraps a chunk channel in a Stream. The producer must call
// finish with the terminal error (or nil) and then close ch, in that
// order, so Err is valid as soon as C closes.
func NewStream(ch <-chan Chunk) (s *Stream, finish func(error)) {
	s = &Stream{C: ch, done: make(chan struct{})}
	return s, func(err error) {
		s.err = err
		close(s.done)
	}
}

// Err returns the terminal error of the stream, if any. Valid only
// after C has been closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ChatStream starts a streaming chat call and returns the chunk stream.
// Connection-phase failures are returned synchronously; mid-stream
// failures surface via Stream.Err.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	wire := wireChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   true,
		Think:    req.Think,
	}
	if req.NumCtx > 0 {
		wire.Options = map[string]any{"num_ctx": req.NumCtx}
	}

	respBody, err := c.postStream(ctx, "/api/chat", wire)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	stream, finish := NewStream(ch)

	go func() {
		defer respBody.Close()
		err := func() error {
			scanner := bufio.NewScanner(respBody)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				var wc wireChatChunk
				if err := json.Unmarshal(line, &wc); err != nil {
					return &APIError{Status: http.StatusOK, Message: "malformed chunk: " + err.Error()}
				}
				if wc.Error != "" {
					return &APIError{Status: http.StatusOK, Message: wc.Error}
				}
				chunk := Chunk{
					Content:         wc.Message.Content,
					Thinking:        wc.Message.Thinking,
					ToolCalls:       wc.Message.ToolCalls,
					Done:            wc.Done,
					EvalCount:       wc.EvalCount,
					PromptEvalCount: wc.PromptEvalCount,
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
				if wc.Done {
					return nil
				}
			}
			if err := scanner.Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &TransportError{Err: err}
			}
			// EOF without a terminal chunk.
			return &APIError{Status: http.StatusOK, Message: "stream ended without completion marker"}
		}()
		finish(err)
		close(ch)
	}()

	return stream, nil
}

// StructuredChat performs a non-streaming chat whose response content
// must conform to the supplied JSON schema. The raw content string is
// returned for the caller to decode and validate.
func (c *Client) StructuredChat(ctx context.Context, model string, messages []Message, schema json.RawMessage) (string, error) {
	wire := wireChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Format:   schema,
	}
	body, err := c.postJSON(ctx, "/api/chat", wire)
	if err != nil {
		return "", err
	}

	var wc wireChatChunk
	if err := json.Unmarshal(body, &wc); err != nil {
		return "", &APIError{Status: http.StatusOK, Message: "malformed chat response: " + err.Error()}
	}
	if wc.Error != "" {
		return "", &APIError{Status: http.StatusOK, Message: wc.Error}
	}
	return wc.Message.Content, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.post(ctx, path, payload)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Message: upstreamErrorMessage(body)}
	}
	return body, nil
}

func (c *Client) postStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Message: upstreamErrorMessage(b)}
	}
	return resp.Body, nil
}

func upstreamErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "unknown upstream error"
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

// CollectStream drains a stream into the concatenated content and the
// terminal chunk. Used by callers that want a whole response but still
// go through the streaming endpoint.
func CollectStream(stream *Stream) (string, *Chunk, error) {
	var sb strings.Builder
	var final *Chunk
	for chunk := range stream.C {
		sb.WriteString(chunk.Content)
		if chunk.Done {
			ch := chunk
			final = &ch
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	if final == nil {
		return "", nil, &APIError{Status: http.StatusOK, Message: "stream ended without completion marker"}
	}
	return sb.String(), final, nil
}
