package httpapi

import (
	"net/http"
)

// Version is the server version reported by the health endpoint.
const Version = "0.4.0"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.upstream.Ping(r.Context())
	status := "ok"
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          Version,
		"ollama_connected": connected,
		"ollama_host":      s.upstream.Host(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.upstream.ListModels(r.Context())
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	info, err := s.upstream.GetModel(r.Context(), r.PathValue("name"))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
