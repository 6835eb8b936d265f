package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	Symbols            []string `json:"symbols"`
	Timeframe          string   `json:"timeframe"`
	Epochs             int      `json:"epochs"`
	Mode               string   `json:"mode"`
	RequireAccelerator bool     `json:"require_accelerator"`
	TimeoutS           *int     `json:"timeout_s"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Operation `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tr := model.TrainingRequest{
		Symbols:            req.Symbols,
		Timeframe:          req.Timeframe,
		Epochs:             req.Epochs,
		Mode:               req.Mode,
		RequireAccelerator: req.RequireAccelerator,
		TimeoutS:           req.TimeoutS,
	}
	if err := tr.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	op := &model.Operation{
		ID:                 model.NewID(),
		Status:             model.StatusQueued,
		Mode:               req.Mode,
		Symbols:            req.Symbols,
		Timeframe:          req.Timeframe,
		Epochs:             req.Epochs,
		RequireAccelerator: req.RequireAccelerator,
		TimeoutS:           req.TimeoutS,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), op); err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListOperations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Operation{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelRun requests cooperative cancellation. Cancelling a run that
// already reached a terminal state returns that state unchanged.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.engine.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
