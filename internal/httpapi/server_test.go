package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-ai/mochi-server/internal/config"
	"github.com/mochi-ai/mochi-server/internal/session"
)

// fakeDaemon is a minimal Ollama-compatible daemon. Chat calls pop one
// scripted response each.
type fakeDaemon struct {
	mu          sync.Mutex
	chatScripts []func(w http.ResponseWriter)
}

func (d *fakeDaemon) script(fn func(w http.ResponseWriter)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chatScripts = append(d.chatScripts, fn)
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"qwen3:14b","model":"qwen3:14b","size":1073741824,"details":{"family":"qwen3","format":"gguf"}}]}`)
	})
	mux.HandleFunc("POST /api/show", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "qwen3:14b" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model not found"}`)
			return
		}
		fmt.Fprint(w, `{"details":{"family":"qwen3","format":"gguf"},"capabilities":["completion","tools"],"model_info":{"qwen3.context_length":40960}}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, _ *http.Request) {
		d.mu.Lock()
		if len(d.chatScripts) == 0 {
			d.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"no scripted chat response"}`)
			return
		}
		fn := d.chatScripts[0]
		d.chatScripts = d.chatScripts[1:]
		d.mu.Unlock()
		fn(w)
	})
	return mux
}

type apiFixture struct {
	srv    *Server
	routes http.Handler
	daemon *fakeDaemon
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWith(t, nil)
}

func newAPIFixtureWith(t *testing.T, mutate func(*config.Settings)) *apiFixture {
	t.Helper()

	daemon := &fakeDaemon{}
	daemonSrv := httptest.NewServer(daemon.handler())
	t.Cleanup(daemonSrv.Close)

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.OllamaHost = daemonSrv.URL
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return &apiFixture{srv: srv, routes: srv.Routes(), daemon: daemon}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Error.Code
}

func (f *apiFixture) createSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, "POST", "/api/v1/sessions", map[string]any{"model": "qwen3:14b"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var s session.Session
	decodeBody(t, rec, &s)
	return s.Metadata.SessionID
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, true, body["ollama_connected"])
}

func TestListAndGetModels(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Models []map[string]any `json:"models"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Models, 1)
	assert.Equal(t, "qwen3:14b", list.Models[0]["name"])

	rec = f.do(t, "GET", "/api/v1/models/qwen3:14b", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/v1/models/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MODEL_NOT_FOUND", errCode(t, rec))
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "GET", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []session.SessionSummary `json:"sessions"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].SessionID)

	rec = f.do(t, "GET", "/api/v1/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "GET", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", errCode(t, rec))
}

func TestCreateSessionValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/api/v1/sessions", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, rec))

	rec = f.do(t, "POST", "/api/v1/sessions", map[string]any{"model": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MODEL_NOT_FOUND", errCode(t, rec))
}

func TestCreateSessionHonorsDynamicContextToggle(t *testing.T) {
	f := newAPIFixtureWith(t, func(cfg *config.Settings) {
		cfg.DynamicContextWindowEnabled = false
	})

	rec := f.do(t, "POST", "/api/v1/sessions", map[string]any{"model": "qwen3:14b"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var s session.Session
	decodeBody(t, rec, &s)
	assert.False(t, s.Metadata.ContextWindowConfig.DynamicEnabled)
	assert.Equal(t, 8192, s.Metadata.ContextWindowConfig.CurrentWindow)
}

func TestCreateSessionFromPromptFile(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/api/v1/system-prompts", map[string]any{
		"name":    "helper.md",
		"content": "You are helpful.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, "POST", "/api/v1/sessions", map[string]any{
		"model":              "qwen3:14b",
		"system_prompt_file": "helper.md",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var s session.Session
	decodeBody(t, rec, &s)
	require.NotEmpty(t, s.Messages)
	assert.Equal(t, session.RoleSystem, s.Messages[0].Role)
	assert.Equal(t, "You are helpful.", s.Messages[0].Content)
	require.NotNil(t, s.Messages[0].SourceFile)
	assert.Equal(t, "helper.md", *s.Messages[0].SourceFile)
}

func TestPatchSessionManualOverride(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "PATCH", "/api/v1/sessions/"+id, map[string]any{"context_window": 4096})
	require.Equal(t, http.StatusOK, rec.Code)
	var s session.Session
	decodeBody(t, rec, &s)
	assert.Equal(t, 4096, s.Metadata.ContextWindowConfig.CurrentWindow)
	assert.True(t, s.Metadata.ContextWindowConfig.ManualOverride)
	assert.Equal(t, session.ReasonManualOverride, s.Metadata.ContextWindowConfig.LastAdjustment)
	require.NotEmpty(t, s.Metadata.ContextWindowConfig.AdjustmentHistory)

	// re-enabling dynamic sizing clears the override
	rec = f.do(t, "PATCH", "/api/v1/sessions/"+id, map[string]any{"dynamic_context_window": true})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &s)
	assert.False(t, s.Metadata.ContextWindowConfig.ManualOverride)

	rec = f.do(t, "PATCH", "/api/v1/sessions/"+id, map[string]any{"context_window": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditMessage(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)
	_, err := f.srv.sessions.AppendMessages(id,
		session.Message{Role: session.RoleUser, Content: "first", MessageID: session.NewID(), Timestamp: session.Now()},
		session.Message{Role: session.RoleAssistant, Content: "reply", MessageID: session.NewID(), Timestamp: session.Now(), Model: "qwen3:14b"},
	)
	require.NoError(t, err)

	rec := f.do(t, "PUT", "/api/v1/sessions/"+id+"/messages/0", map[string]any{"content": "edited"})
	require.Equal(t, http.StatusOK, rec.Code)
	var s session.Session
	decodeBody(t, rec, &s)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "edited", s.Messages[0].Content)

	rec = f.do(t, "PUT", "/api/v1/sessions/"+id+"/messages/notanumber", map[string]any{"content": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_MESSAGE_INDEX", errCode(t, rec))

	rec = f.do(t, "PUT", "/api/v1/sessions/"+id+"/messages/9", map[string]any{"content": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_MESSAGE_INDEX", errCode(t, rec))
}

func TestSystemPromptSlot(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "PUT", "/api/v1/sessions/"+id+"/system-prompt", map[string]any{"content": "be brief"})
	require.Equal(t, http.StatusOK, rec.Code)
	var s session.Session
	decodeBody(t, rec, &s)
	assert.Equal(t, session.RoleSystem, s.Messages[0].Role)

	rec = f.do(t, "PUT", "/api/v1/sessions/"+id+"/system-prompt", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/sessions/"+id+"/system-prompt", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/sessions/"+id+"/system-prompt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStatus(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "GET", "/api/v1/sessions/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, id, body["session_id"])
	assert.Equal(t, "qwen3:14b", body["model"])
	assert.Equal(t, false, body["tools_enabled"])
	assert.Equal(t, false, body["agents_enabled"])
	assert.Equal(t, session.PolicyAlwaysConfirm, body["execution_policy"])

	cw, ok := body["context_window"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, cw["dynamic_enabled"])
	assert.Equal(t, float64(8192), cw["current_window"])
	assert.Equal(t, float64(40960), cw["model_max_context"])
}

func TestPromptsCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/api/v1/system-prompts", map[string]any{"name": "a.md", "content": "one"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, "POST", "/api/v1/system-prompts", map[string]any{"name": "a.md", "content": "dup"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/api/v1/system-prompts", map[string]any{"name": "../evil.md", "content": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/api/v1/system-prompts/a.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "PUT", "/api/v1/system-prompts/a.md", map[string]any{"content": "two"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/v1/system-prompts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/system-prompts/a.md", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "GET", "/api/v1/system-prompts/a.md", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROMPT_NOT_FOUND", errCode(t, rec))
}

func TestChatNonStreaming(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	f.daemon.script(func(w http.ResponseWriter) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":3,"prompt_eval_count":9}`)
	})

	rec := f.do(t, "POST", "/api/v1/chat/"+id, map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, id, body["session_id"])
	assert.Equal(t, "Hello there", body["message"])
	assert.Equal(t, float64(8192), body["context_window"])
	assert.Equal(t, []any{}, body["tool_calls_executed"])
}

func TestChatStream(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	f.daemon.script(func(w http.ResponseWriter) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":1}`)
	})

	rec := f.do(t, "POST", "/api/v1/chat/"+id+"/stream", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, "event: content_delta")
	assert.Contains(t, out, "event: message_complete")
	assert.Contains(t, out, "event: done")
}

func TestChatUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/api/v1/chat/nosuch", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", errCode(t, rec))

	rec = f.do(t, "POST", "/api/v1/chat/nosuch/stream", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEmptyRegenerate(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "POST", "/api/v1/chat/"+id, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, rec))
}

func TestConfirmTool(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	rec := f.do(t, "POST", "/api/v1/chat/"+id+"/confirm-tool", map[string]any{
		"confirmation_id": "deadbeef00",
		"approved":        true,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CONFIRMATION_NOT_FOUND", errCode(t, rec))

	confirmID := f.srv.broker.Register(id, "now", nil, time.Minute)
	rec = f.do(t, "POST", "/api/v1/chat/"+id+"/confirm-tool", map[string]any{
		"confirmation_id": confirmID,
		"approved":        true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/api/v1/chat/"+id+"/confirm-tool", map[string]any{
		"confirmation_id": confirmID,
		"approved":        false,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFIRMATION_ALREADY_RESOLVED", errCode(t, rec))

	rec = f.do(t, "POST", "/api/v1/chat/"+id+"/confirm-tool", map[string]any{"approved": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceAndGetSummary(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)
	_, err := f.srv.sessions.AppendMessages(id,
		session.Message{Role: session.RoleUser, Content: "hi", MessageID: session.NewID(), Timestamp: session.Now()},
		session.Message{Role: session.RoleAssistant, Content: "hello", MessageID: session.NewID(), Timestamp: session.Now(), Model: "qwen3:14b"},
	)
	require.NoError(t, err)

	rec := f.do(t, "GET", "/api/v1/sessions/"+id+"/summary", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SUMMARY_NOT_FOUND", errCode(t, rec))

	f.daemon.script(func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"summary\":\"Greetings exchanged.\",\"topics\":[\"smalltalk\"]}"},"done":true}`)
	})
	rec = f.do(t, "POST", "/api/v1/sessions/"+id+"/summarize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, "GET", "/api/v1/sessions/"+id+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	sum, ok := body["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Greetings exchanged.", sum["summary"])
}

func TestToolsAndAgentsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/api/v1/tools/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, []any{}, body["agents"])

	rec = f.do(t, "POST", "/api/v1/agents/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/api/v1/agents/sessions/nosuch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
