package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/transfer"
)

// handleAcceptResult is the result callback posted by a remote worker when a
// session completes. A delivery that fails validation gets a rejection ack
// with a non-2xx status so the worker's retry policy re-engages; an accepted
// delivery is acked with the persisted artifact location.
func (s *Server) handleAcceptResult(w http.ResponseWriter, r *http.Request) {
	var env transfer.Envelope
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20) // artifacts are larger than API bodies
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if env.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	delivery, err := s.receiver.Accept(&env)
	if err != nil {
		s.logger.Error("reject artifact delivery", "session_id", env.SessionID, "error", err)
		status := http.StatusInternalServerError
		var perr *pipeline.PersistenceError
		if errors.As(err, &perr) {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSON(w, status, transfer.Ack{Success: false, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, transfer.Ack{
		Success:          true,
		ArtifactLocation: delivery.ArtifactLocation,
	})
}
