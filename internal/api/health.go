package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok"}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}

// handleGetDevice reports the compute capability the local orchestrator
// probed at startup.
func (s *Server) handleGetDevice(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dev)
}
