package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

// progressResponse is the JSON response for GET /v1/runs/:id/progress.
type progressResponse struct {
	RunID    string                  `json:"run_id"`
	Status   string                  `json:"status"`
	Progress *model.ProgressSnapshot `json:"progress,omitempty"`
}

// handleGetProgress returns the latest progress snapshot of a run. The
// latest value wins; intermediate snapshots between polls are not retained
// here (see the history endpoint).
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	resp := progressResponse{RunID: id, Status: op.Status}
	if snap, ok := s.engine.Broker().Latest(id); ok {
		resp.Progress = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the run exists.
	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for progress stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, return an empty stream immediately.
	if model.IsTerminal(op.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the run finished between the status check above and this
	// call — Subscribe on a closed topic returns a closed channel, so the
	// loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				// Run finished; send an explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSESnapshot(w, snap); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// progressHistoryResponse is the JSON response for
// GET /v1/runs/:id/progress/history.
type progressHistoryResponse struct {
	RunID     string                 `json:"run_id"`
	Snapshots []store.ProgressRecord `json:"snapshots"`
}

func (s *Server) handleGetProgressHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for progress history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	snapshots, err := s.store.GetProgressHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("get progress history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get progress history")
		return
	}
	if snapshots == nil {
		snapshots = []store.ProgressRecord{}
	}

	s.writeJSON(w, http.StatusOK, progressHistoryResponse{
		RunID:     id,
		Snapshots: snapshots,
	})
}

// writeSSESnapshot writes one progress snapshot as an SSE data event.
func writeSSESnapshot(w http.ResponseWriter, snap model.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
