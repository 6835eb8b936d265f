// Package worker implements the remote training worker: a chi HTTP API that
// accepts one training session at a time, executes the pipeline for it, and
// ships the finished artifact back to the initiator over the result callback.
package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
)

// Session is one accepted training run on the worker. All mutable state is
// guarded by mu; the executing goroutine writes, status polls read.
type Session struct {
	ID              string
	CallbackAddress string
	Request         model.TrainingRequest
	Token           *pipeline.FlagToken
	CreatedAt       time.Time

	mu       sync.Mutex
	status   string
	latest   *model.ProgressSnapshot
	result   *model.OperationResult
	errMsg   string
	artifact []byte // parked bytes when delivery exhausted its retries
}

// NewSession creates a queued session for the given request.
func NewSession(req model.TrainingRequest, callbackAddress string) *Session {
	return &Session{
		ID:              uuid.NewString(),
		CallbackAddress: callbackAddress,
		Request:         req,
		Token:           pipeline.NewFlagToken(),
		CreatedAt:       time.Now().UTC(),
		status:          model.StatusQueued,
	}
}

// Status returns the session's current status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the session reached a terminal status.
func (s *Session) Terminal() bool {
	return model.IsTerminal(s.Status())
}

// Snapshot returns the session state for a status poll.
func (s *Session) Snapshot() (status string, progress *model.ProgressSnapshot, result *model.OperationResult, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.latest, s.result, s.errMsg
}

// markRunning transitions queued→running. Returns false if the session was
// cancelled before execution started.
func (s *Session) markRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.StatusQueued {
		return false
	}
	s.status = model.StatusRunning
	return true
}

func (s *Session) markCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.IsTerminal(s.status) {
		return
	}
	s.status = model.StatusCancelled
	s.errMsg = "operation cancelled"
}

func (s *Session) markFailed(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.IsTerminal(s.status) {
		return
	}
	s.status = model.StatusFailed
	s.errMsg = msg
}

func (s *Session) markCompleted(result *model.OperationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.IsTerminal(s.status) {
		return
	}
	s.status = model.StatusCompleted
	s.result = result
}

// Report stores the latest progress snapshot. Snapshots regressing in stage
// index are dropped; within a stage the newest value wins, lost intermediate
// ticks between polls are acceptable.
func (s *Session) Report(snap model.ProgressSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && snap.StageIndex < s.latest.StageIndex {
		return
	}
	s.latest = &snap
}

// Park retains artifact bytes after delivery retries were exhausted so an
// out-of-band retrieval can still recover the result.
func (s *Session) Park(artifact []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = artifact
}

// ParkedArtifact returns the retained artifact bytes, if any.
func (s *Session) ParkedArtifact() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}
