package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/comfytd/relay/internal/config"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.endpoints.Current())
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ComfyURL string `json:"comfyUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	ep, err := s.endpoints.Update(body.ComfyURL)
	switch {
	case errors.Is(err, config.ErrMissingURL), errors.Is(err, config.ErrInvalidURL):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	default:
		log.Printf("Engine endpoint updated to %s", ep.ComfyURL)
		s.router.Reconnect()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": ep})
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.engine.AvailableModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "models": models})
}
