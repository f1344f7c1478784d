// Package httpapi exposes the /api/v1 surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mochi-ai/mochi-server/internal/agents"
	"github.com/mochi-ai/mochi-server/internal/chat"
	"github.com/mochi-ai/mochi-server/internal/confirm"
	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/prompts"
	"github.com/mochi-ai/mochi-server/internal/session"
	"github.com/mochi-ai/mochi-server/internal/tools"
)

// errorBody is the error envelope of every non-2xx response.
type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeMapped translates a domain error into status + envelope.
func writeMapped(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrInvalidMessageIndex):
		return http.StatusBadRequest, "INVALID_MESSAGE_INDEX"
	case errors.Is(err, session.ErrNoSystemMessage):
		return http.StatusNotFound, "VALIDATION_ERROR"
	case errors.Is(err, session.ErrCorrupt):
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	case errors.Is(err, ollama.ErrModelNotFound):
		return http.StatusNotFound, "MODEL_NOT_FOUND"
	case errors.Is(err, tools.ErrToolNotFound):
		return http.StatusNotFound, "TOOL_NOT_FOUND"
	case errors.Is(err, agents.ErrAgentNotFound):
		return http.StatusNotFound, "AGENT_NOT_FOUND"
	case errors.Is(err, prompts.ErrPromptNotFound):
		return http.StatusNotFound, "PROMPT_NOT_FOUND"
	case errors.Is(err, prompts.ErrPromptExists):
		return http.StatusConflict, "VALIDATION_ERROR"
	case errors.Is(err, prompts.ErrInvalidName):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, confirm.ErrNotFound):
		return http.StatusNotFound, "CONFIRMATION_NOT_FOUND"
	case errors.Is(err, confirm.ErrAlreadyResolved):
		return http.StatusConflict, "CONFIRMATION_ALREADY_RESOLVED"
	case errors.Is(err, chat.ErrEmptyHistory):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	}

	var turnErr *chat.TurnError
	if errors.As(err, &turnErr) {
		return statusForCode(turnErr.Code), turnErr.Code
	}
	var transport *ollama.TransportError
	if errors.As(err, &transport) {
		return http.StatusBadGateway, "UPSTREAM_UNREACHABLE"
	}
	var api *ollama.APIError
	if errors.As(err, &api) {
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func statusForCode(code string) int {
	switch code {
	case "SESSION_NOT_FOUND", "MODEL_NOT_FOUND", "TOOL_NOT_FOUND", "AGENT_NOT_FOUND", "PROMPT_NOT_FOUND", "CONFIRMATION_NOT_FOUND":
		return http.StatusNotFound
	case "CONFIRMATION_ALREADY_RESOLVED":
		return http.StatusConflict
	case "TOOL_EXECUTION_DENIED":
		return http.StatusForbidden
	case "TOOL_CONFIRMATION_TIMEOUT":
		return http.StatusRequestTimeout
	case "AGENT_INVALID":
		return http.StatusUnprocessableEntity
	case "INVALID_MESSAGE_INDEX", "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "UPSTREAM_UNREACHABLE", "UPSTREAM_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
