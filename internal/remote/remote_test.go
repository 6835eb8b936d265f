package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/remote"
	"github.com/seantiz/crucible/internal/transfer"
)

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeWorker scripts a worker session API: each status poll pops the next
// scripted response, the last one repeating forever.
type fakeWorker struct {
	mu       sync.Mutex
	statuses []remote.StatusResponse
	starts   int
	stops    int
	polls    int

	server *httptest.Server
}

func newFakeWorker(statuses ...remote.StatusResponse) *fakeWorker {
	w := &fakeWorker{statuses: statuses}
	r := chi.NewRouter()
	r.Post("/operations/start", func(rw http.ResponseWriter, req *http.Request) {
		w.mu.Lock()
		w.starts++
		w.mu.Unlock()
		json.NewEncoder(rw).Encode(remote.StartResponse{SessionID: "sess-1", Status: model.StatusQueued})
	})
	r.Get("/operations/{sessionID}/status", func(rw http.ResponseWriter, req *http.Request) {
		w.mu.Lock()
		w.polls++
		status := w.statuses[0]
		if len(w.statuses) > 1 {
			w.statuses = w.statuses[1:]
		}
		w.mu.Unlock()
		json.NewEncoder(rw).Encode(status)
	})
	r.Post("/operations/{sessionID}/stop", func(rw http.ResponseWriter, req *http.Request) {
		w.mu.Lock()
		w.stops++
		// After a stop, every remaining poll reports cancelled.
		w.statuses = []remote.StatusResponse{{Status: model.StatusCancelled}}
		w.mu.Unlock()
		json.NewEncoder(rw).Encode(remote.StopResponse{Status: model.StatusCancelled})
	})
	w.server = httptest.NewServer(r)
	return w
}

func (w *fakeWorker) counts() (starts, stops, polls int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.stops, w.polls
}

func validModel() *artifact.Model {
	return &artifact.Model{
		Version:      artifact.CurrentVersion,
		CreatedAt:    time.Now().UTC(),
		Symbols:      []string{"EURUSD"},
		Timeframe:    "1h",
		FeatureNames: []string{"return_1", "rsi_14"},
		Weights:      []float64{0.4, -0.2},
		Bias:         0.1,
		FeatureMean:  []float64{0, 50},
		FeatureStd:   []float64{1, 10},
	}
}

func deliverTo(t *testing.T, receiver *transfer.Receiver, sessionID string) {
	t.Helper()
	data, err := artifact.Encode(validModel())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	packed, err := transfer.Pack(data)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	_, err = receiver.Accept(&transfer.Envelope{
		SessionID:       sessionID,
		Artifact:        packed,
		Compression:     transfer.CompressionGzip,
		TrainingMetrics: model.TrainingMetrics{EpochsRun: 5, FinalLoss: 0.58},
		FeatureNames:    []string{"return_1", "rsi_14"},
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func newOrchestrator(t *testing.T, worker *fakeWorker) (*remote.Orchestrator, *transfer.Receiver) {
	t.Helper()
	artifacts, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.NewStore: %v", err)
	}
	receiver := transfer.NewReceiver(artifacts, discard())
	orch := remote.New(remote.NewClient(worker.server.URL), receiver, "http://initiator/v1/results", discard())
	orch.SetPollInterval(10*time.Millisecond, 40*time.Millisecond)
	orch.SetDeliveryTimeout(time.Second)
	t.Cleanup(worker.server.Close)
	return orch, receiver
}

func makeOperation() *model.Operation {
	return &model.Operation{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		Mode:      model.ModeRemote,
		Symbols:   []string{"EURUSD"},
		Timeframe: "1h",
		Epochs:    5,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRunCompletedSession(t *testing.T) {
	worker := newFakeWorker(
		remote.StatusResponse{Status: model.StatusRunning, Progress: &model.ProgressSnapshot{StageIndex: 2, StageCount: 5, Stage: "train", Epoch: 1, Epochs: 5}},
		remote.StatusResponse{Status: model.StatusCompleted},
	)
	orch, receiver := newOrchestrator(t, worker)
	deliverTo(t, receiver, "sess-1")

	var snaps []model.ProgressSnapshot
	sink := pipeline.SinkFunc(func(s model.ProgressSnapshot) { snaps = append(snaps, s) })

	op := makeOperation()
	result, err := orch.Run(context.Background(), op, pipeline.NewFlagToken(), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Error("result not successful")
	}
	if !strings.HasSuffix(result.ArtifactLocation, "sess-1.model.gz") {
		t.Errorf("ArtifactLocation = %q", result.ArtifactLocation)
	}
	if result.TrainingMetrics.EpochsRun != 5 {
		t.Errorf("EpochsRun = %d", result.TrainingMetrics.EpochsRun)
	}
	if op.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", op.SessionID)
	}
	if len(snaps) != 1 || snaps[0].Stage != "train" {
		t.Errorf("snapshots = %+v, want one train snapshot", snaps)
	}
}

func TestRunFailedSession(t *testing.T) {
	worker := newFakeWorker(
		remote.StatusResponse{Status: model.StatusRunning},
		remote.StatusResponse{Status: model.StatusFailed, Error: "feature matrix is singular"},
	)
	orch, _ := newOrchestrator(t, worker)

	_, err := orch.Run(context.Background(), makeOperation(), pipeline.NewFlagToken(), pipeline.SinkFunc(func(model.ProgressSnapshot) {}))
	if err == nil || !strings.Contains(err.Error(), "singular") {
		t.Fatalf("err = %v, want remote failure message", err)
	}
}

func TestRunCompletedWithoutDeliveryFails(t *testing.T) {
	worker := newFakeWorker(remote.StatusResponse{Status: model.StatusCompleted})
	orch, _ := newOrchestrator(t, worker)
	orch.SetDeliveryTimeout(50 * time.Millisecond)

	_, err := orch.Run(context.Background(), makeOperation(), pipeline.NewFlagToken(), pipeline.SinkFunc(func(model.ProgressSnapshot) {}))
	var perr *pipeline.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
}

func TestCancelStopsSessionOnce(t *testing.T) {
	worker := newFakeWorker(remote.StatusResponse{Status: model.StatusRunning})
	orch, _ := newOrchestrator(t, worker)

	token := pipeline.NewFlagToken()
	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), makeOperation(), token, pipeline.SinkFunc(func(model.ProgressSnapshot) {}))
		done <- err
	}()

	// Let at least one poll land, then cancel.
	time.Sleep(30 * time.Millisecond)
	token.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, pipeline.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after cancel")
	}

	_, stops, _ := worker.counts()
	if stops != 1 {
		t.Errorf("stop requests = %d, want 1", stops)
	}
}

func TestCancelBeforeStartSkipsWorker(t *testing.T) {
	worker := newFakeWorker(remote.StatusResponse{Status: model.StatusRunning})
	orch, _ := newOrchestrator(t, worker)

	token := pipeline.NewFlagToken()
	token.Cancel()
	_, err := orch.Run(context.Background(), makeOperation(), token, pipeline.SinkFunc(func(model.ProgressSnapshot) {}))
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	starts, _, polls := worker.counts()
	if starts != 0 || polls != 0 {
		t.Errorf("worker touched: starts=%d polls=%d", starts, polls)
	}
}

func TestIdenticalProgressReportedOnce(t *testing.T) {
	snap := &model.ProgressSnapshot{StageIndex: 2, StageCount: 5, Stage: "train", Epoch: 3, Epochs: 5, Batch: 7}
	worker := newFakeWorker(
		remote.StatusResponse{Status: model.StatusRunning, Progress: snap},
		remote.StatusResponse{Status: model.StatusRunning, Progress: snap},
		remote.StatusResponse{Status: model.StatusRunning, Progress: snap},
		remote.StatusResponse{Status: model.StatusFailed, Error: "stopping the test"},
	)
	orch, _ := newOrchestrator(t, worker)

	var count int
	sink := pipeline.SinkFunc(func(model.ProgressSnapshot) { count++ })
	_, _ = orch.Run(context.Background(), makeOperation(), pipeline.NewFlagToken(), sink)

	if count != 1 {
		t.Errorf("identical snapshot reported %d times, want 1", count)
	}
}
