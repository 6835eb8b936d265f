package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/device"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/transfer"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 1 << 20 // 1 MB
)

// startRequest is the JSON body for POST /operations/start.
type startRequest struct {
	Symbols         []string `json:"symbols"`
	Timeframe       string   `json:"timeframe"`
	Epochs          int      `json:"epochs"`
	TimeoutS        *int     `json:"timeout_s"`
	CallbackAddress string   `json:"callback_address"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type statusResponse struct {
	Status   string                  `json:"status"`
	Progress *model.ProgressSnapshot `json:"progress,omitempty"`
	Result   *model.OperationResult  `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type stopResponse struct {
	Status string `json:"status"`
}

// Server is the worker process: it accepts one session at a time, runs the
// pipeline for it, and delivers the artifact to the session's callback
// address when training completes.
type Server struct {
	router  *chi.Mux
	pipe    *pipeline.Pipeline
	dev     device.Capability
	channel *transfer.Channel
	logger  *slog.Logger
	addr    string

	mu      sync.Mutex
	current *Session
}

// NewServer creates and configures the worker HTTP server.
func NewServer(addr string, pipe *pipeline.Pipeline, channel *transfer.Channel, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		pipe:    pipe,
		dev:     device.Probe(),
		channel: channel,
		logger:  logger,
		addr:    addr,
	}
	logger.Info("worker compute device probed",
		"kind", srv.dev.Kind,
		"name", srv.dev.Name,
		"batch_ceiling", srv.dev.RecommendedBatchCeiling)

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Post("/operations/start", srv.handleStart)
	srv.router.Get("/operations/{sessionID}/status", srv.handleStatus)
	srv.router.Post("/operations/{sessionID}/stop", srv.handleStop)

	return srv
}

// Router returns the chi router, for tests that mount the worker in-process.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Device returns the worker's probed compute capability.
func (s *Server) Device() device.Capability {
	return s.dev
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"device": s.dev.Kind,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tr := model.TrainingRequest{
		Symbols:   req.Symbols,
		Timeframe: req.Timeframe,
		Epochs:    req.Epochs,
		TimeoutS:  req.TimeoutS,
	}
	if err := tr.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallbackAddress == "" {
		s.writeError(w, http.StatusBadRequest, "callback_address is required")
		return
	}

	s.mu.Lock()
	if s.current != nil && !s.current.Terminal() {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, "worker is busy with another session")
		return
	}
	sess := NewSession(tr, req.CallbackAddress)
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("session accepted",
		"session_id", sess.ID,
		"symbols", tr.Symbols,
		"epochs", tr.Epochs)

	go s.execute(sess)

	s.writeJSON(w, http.StatusCreated, startResponse{
		SessionID: sess.ID,
		Status:    model.StatusQueued,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(chi.URLParam(r, "sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	status, progress, result, errMsg := sess.Snapshot()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:   status,
		Progress: progress,
		Result:   result,
		Error:    errMsg,
	})
}

// handleStop requests cooperative cancellation. Stopping an already-terminal
// session is a no-op that reports the existing terminal status.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(chi.URLParam(r, "sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if sess.Terminal() {
		s.writeJSON(w, http.StatusOK, stopResponse{Status: sess.Status()})
		return
	}

	sess.Token.Cancel()
	s.logger.Info("session stop requested", "session_id", sess.ID)
	s.writeJSON(w, http.StatusOK, stopResponse{Status: model.StatusCancelled})
}

func (s *Server) lookup(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != sessionID {
		return nil, false
	}
	return s.current, true
}

// execute runs the pipeline for one session. The worker is dedicated to the
// session; cancellation is observed at stage boundaries and per training
// batch via the session token.
func (s *Server) execute(sess *Session) {
	if sess.Token.Cancelled() || !sess.markRunning() {
		sess.markCancelled()
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if sess.Request.TimeoutS != nil && *sess.Request.TimeoutS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*sess.Request.TimeoutS)*time.Second)
		defer cancel()
	}

	rc := &pipeline.Run{
		OperationID: sess.ID,
		Request:     sess.Request,
		Device:      s.dev,
		TrainCancelled: func() bool {
			return sess.Token.Cancelled() || ctx.Err() != nil
		},
	}
	count := s.pipe.StageCount()
	rc.ReportTrainProgress = func(epoch, epochs, batch, batches int, loss float64) {
		sess.Report(model.ProgressSnapshot{
			StageIndex: 2,
			StageCount: count,
			Stage:      pipeline.StageTrain,
			Epoch:      epoch,
			Epochs:     epochs,
			Batch:      batch,
			Batches:    batches,
			Metrics:    map[string]float64{"loss": loss},
			Timestamp:  time.Now().UTC(),
		})
	}

	for i, stage := range s.pipe.Stages() {
		if sess.Token.Cancelled() {
			s.logger.Info("session cancelled at stage boundary",
				"session_id", sess.ID, "stage", stage.Name)
			sess.markCancelled()
			return
		}
		if ctx.Err() != nil {
			sess.markFailed(fmt.Sprintf("session timed out after %ds", *sess.Request.TimeoutS))
			return
		}

		sess.Report(model.ProgressSnapshot{
			StageIndex: i,
			StageCount: count,
			Stage:      stage.Name,
			Timestamp:  time.Now().UTC(),
		})

		if err := stage.Run(rc); err != nil {
			if errors.Is(err, pipeline.ErrCancelled) {
				if !sess.Token.Cancelled() && ctx.Err() != nil {
					sess.markFailed(fmt.Sprintf("session timed out after %ds", *sess.Request.TimeoutS))
				} else {
					sess.markCancelled()
				}
				return
			}
			s.logger.Error("session failed",
				"session_id", sess.ID, "stage", stage.Name, "error", err)
			sess.markFailed(err.Error())
			return
		}
	}

	sess.markCompleted(rc.Result())
	s.logger.Info("session completed",
		"session_id", sess.ID,
		"artifact", rc.ArtifactLocation,
		"final_loss", rc.TrainMetrics.FinalLoss)

	s.deliver(sess, rc)
}

// deliver ships the finished artifact to the initiator's callback. If every
// retry fails, the artifact bytes stay parked in the session for out-of-band
// retrieval; a completed result is never silently discarded.
func (s *Server) deliver(sess *Session, rc *pipeline.Run) {
	data, err := artifact.Encode(rc.Model)
	if err != nil {
		s.logger.Error("encode artifact for delivery", "session_id", sess.ID, "error", err)
		return
	}

	err = s.channel.Send(context.Background(), sess.CallbackAddress, sess.ID,
		data, rc.TrainMetrics, rc.EvalMetrics, rc.Model.FeatureNames)
	if err != nil {
		s.logger.Error("artifact delivery exhausted retries; parking artifact in session",
			"session_id", sess.ID, "error", err)
		sess.Park(data)
	}
}

// Run starts the worker HTTP server and blocks until a shutdown signal.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("worker server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("worker stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
