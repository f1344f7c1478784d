package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mochi-ai/mochi-server/internal/chat"
)

type chatRequest struct {
	Message string `json:"message"`
	Think   bool   `json:"think"`
}

func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}

	result, err := s.orch.RunCollect(r.Context(), chat.TurnRequest{
		SessionID: r.PathValue("id"),
		Message:   req.Message,
		Think:     req.Think,
	})
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}

	sink, err := chat.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	err = s.orch.Run(r.Context(), chat.TurnRequest{
		SessionID: r.PathValue("id"),
		Message:   req.Message,
		Think:     req.Think,
	}, sink)
	if err != nil && !sink.Started() {
		writeMapped(w, err)
	}
}

func (s *Server) handleConfirmTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmationID string `json:"confirmation_id"`
		Approved       bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON: "+err.Error())
		return
	}
	if req.ConfirmationID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "confirmation_id is required")
		return
	}

	if err := s.broker.Resolve(req.ConfirmationID, req.Approved); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmation_id": req.ConfirmationID,
		"approved":        req.Approved,
	})
}
