package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mochi-ai/mochi-server/internal/session"
	"github.com/mochi-ai/mochi-server/internal/summary"
)

type createSessionRequest struct {
	Model            string                 `json:"model"`
	SystemPrompt     string                 `json:"system_prompt"`
	SystemPromptFile string                 `json:"system_prompt_file"`
	ToolSettings     *session.ToolSettings  `json:"tool_settings"`
	AgentSettings    *session.AgentSettings `json:"agent_settings"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "model is required")
		return
	}
	if _, err := s.upstream.GetModel(r.Context(), req.Model); err != nil {
		writeMapped(w, err)
		return
	}

	dynamic := s.cfg.DynamicContextWindowEnabled
	opts := session.CreateOptions{
		Model:                req.Model,
		SystemPrompt:         req.SystemPrompt,
		ToolSettings:         req.ToolSettings,
		AgentSettings:        req.AgentSettings,
		DynamicContextWindow: &dynamic,
	}
	if req.SystemPromptFile != "" {
		p, err := s.prompts.Get(req.SystemPromptFile)
		if err != nil {
			writeMapped(w, err)
			return
		}
		opts.SystemPrompt = p.Content
		opts.SystemPromptSourceFile = p.Name
	}

	created, err := s.sessions.Create(opts)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.sessions.List()
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		writeMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchSessionRequest struct {
	Model          *string                 `json:"model"`
	ToolSettings   *session.ToolSettings   `json:"tool_settings"`
	AgentSettings  *session.AgentSettings  `json:"agent_settings"`
	ContextWindow  *int                    `json:"context_window"`
	DynamicEnabled *bool                   `json:"dynamic_context_window"`
	Summary        *session.Summary        `json:"summary"`
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}
	if req.Model != nil {
		if _, err := s.upstream.GetModel(r.Context(), *req.Model); err != nil {
			writeMapped(w, err)
			return
		}
	}
	if req.ContextWindow != nil && *req.ContextWindow <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "context_window must be positive")
		return
	}

	updated, err := s.sessions.Mutate(r.PathValue("id"), func(ms *session.Session) error {
		if req.Model != nil {
			ms.UpdateModel(*req.Model)
		}
		if req.ToolSettings != nil {
			ms.Metadata.ToolSettings = *req.ToolSettings
		}
		if req.AgentSettings != nil {
			ms.Metadata.AgentSettings = *req.AgentSettings
		}
		if req.Summary != nil {
			ms.Metadata.Summary = req.Summary
		}
		cfg := &ms.Metadata.ContextWindowConfig
		if req.ContextWindow != nil {
			cfg.RecordAdjustment(cfg.CurrentWindow, *req.ContextWindow, session.ReasonManualOverride)
			cfg.CurrentWindow = *req.ContextWindow
			cfg.LastAdjustment = session.ReasonManualOverride
			cfg.ManualOverride = true
		}
		if req.DynamicEnabled != nil {
			cfg.DynamicEnabled = *req.DynamicEnabled
			if *req.DynamicEnabled {
				cfg.ManualOverride = false
			}
		}
		return nil
	})
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.sessions.Messages(r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_INDEX", "message index must be an integer")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}

	updated, err := s.sessions.EditMessage(r.PathValue("id"), index, req.Content)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}

	content, source := req.Content, ""
	if req.Filename != "" {
		p, err := s.prompts.Get(req.Filename)
		if err != nil {
			writeMapped(w, err)
			return
		}
		content, source = p.Content, p.Name
	}
	if content == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "content or filename is required")
		return
	}

	updated, err := s.sessions.SetSystemMessage(r.PathValue("id"), content, source)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveSystemPrompt(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.RemoveSystemMessage(r.PathValue("id")); err != nil {
		writeMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	meta := found.Metadata

	var modelMax *int
	if info, err := s.upstream.GetModel(r.Context(), meta.Model); err == nil {
		modelMax = &info.ContextLength
	}

	var sourceFile *string
	if found.HasSystemMessage() {
		sourceFile = found.Messages[0].SourceFile
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    meta.SessionID,
		"model":         meta.Model,
		"message_count": meta.MessageCount,
		"context_window": map[string]any{
			"dynamic_enabled":        meta.ContextWindowConfig.DynamicEnabled,
			"current_window":         meta.ContextWindowConfig.CurrentWindow,
			"model_max_context":      modelMax,
			"last_adjustment_reason": meta.ContextWindowConfig.LastAdjustment,
			"manual_override":        meta.ContextWindowConfig.ManualOverride,
		},
		"tools_enabled":      len(meta.ToolSettings.Tools) > 0 || meta.ToolSettings.ToolGroup != nil,
		"active_tools":       meta.ToolSettings.Tools,
		"execution_policy":   meta.ToolSettings.ExecutionPolicy,
		"agents_enabled":     len(meta.AgentSettings.EnabledAgents) > 0,
		"enabled_agents":     meta.AgentSettings.EnabledAgents,
		"system_prompt_file": sourceFile,
		"summary":            meta.Summary,
		"summary_model":      meta.SummaryModel,
	})
}

func (s *Server) handleForceSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
			return
		}
	}

	id := r.PathValue("id")
	if err := s.summaries.Summarize(r.Context(), id, req.Model, true); err != nil {
		if errors.Is(err, summary.ErrSkipped) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
			return
		}
		writeMapped(w, err)
		return
	}

	found, err := s.sessions.Get(id)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    id,
		"summary":       found.Metadata.Summary,
		"summary_model": found.Metadata.SummaryModel,
	})
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	if found.Metadata.Summary == nil {
		writeError(w, http.StatusNotFound, "SUMMARY_NOT_FOUND", "session has no summary yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    found.Metadata.SessionID,
		"summary":       found.Metadata.Summary,
		"summary_model": found.Metadata.SummaryModel,
	})
}
