package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/local"
	"github.com/seantiz/crucible/internal/mode"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/remote"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/transfer"
	"github.com/seantiz/crucible/internal/worker"
)

// stack is a full in-process deployment: initiator API, engine with both
// orchestrators, and optionally a live worker.
type stack struct {
	ts        *httptest.Server
	store     store.Store
	artifacts *artifact.Store
	worker    *httptest.Server
}

// slowPipeline trains on a large dataset so high-epoch runs stay in the
// training loop long enough for the cancellation tests to interrupt them.
func slowPipeline(artifacts *artifact.Store) *pipeline.Pipeline {
	return pipeline.New(
		&pipeline.SyntheticLoader{Bars: 20000},
		pipeline.NewIndicatorFeatures(),
		pipeline.NewSGDTrainer(),
		pipeline.NewHoldoutEvaluator(),
		artifacts,
	)
}

// newStack wires the whole system. When withWorker is false the worker URL
// points at a closed port, so remote probes fail.
func newStack(t *testing.T, withWorker bool) *stack {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	artifacts, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.NewStore: %v", err)
	}

	workerURL := "http://127.0.0.1:1" // nothing listens here
	var workerTS *httptest.Server
	if withWorker {
		workerArtifacts, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatalf("artifact.NewStore (worker): %v", err)
		}
		workerSrv := worker.NewServer(":0", slowPipeline(workerArtifacts), transfer.NewChannel(logger), logger)
		workerTS = httptest.NewServer(workerSrv.Router())
		t.Cleanup(workerTS.Close)
		workerURL = workerTS.URL
	}

	receiver := transfer.NewReceiver(artifacts, logger)
	selector := mode.NewSelector(model.ModeAuto, mode.NewHTTPProber(workerURL), logger)
	localOrch := local.New(slowPipeline(artifacts), 2, logger)

	eng := engine.New(s, selector, nil, logger)

	srv := api.NewServer(":0", s, eng, receiver, localOrch.Device(), logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	// The remote orchestrator needs the initiator's live URL for the result
	// callback, so the runners are bound after the server starts.

	remoteOrch := remote.New(remote.NewClient(workerURL), receiver, ts.URL+"/v1/results", logger)
	remoteOrch.SetPollInterval(20*time.Millisecond, 100*time.Millisecond)
	remoteOrch.SetDeliveryTimeout(5 * time.Second)

	eng.RegisterRunner(model.ModeLocal, localOrch)
	eng.RegisterRunner(model.ModeRemote, remoteOrch)

	return &stack{ts: ts, store: s, artifacts: artifacts, worker: workerTS}
}

func (st *stack) createRun(t *testing.T, body map[string]any) *model.Operation {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(st.ts.URL+"/v1/runs", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var op model.Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return &op
}

func (st *stack) waitTerminal(t *testing.T, id string, timeout time.Duration) *model.Operation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(st.ts.URL + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		var op model.Operation
		err = json.NewDecoder(resp.Body).Decode(&op)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode run: %v", err)
		}
		if model.IsTerminal(op.Status) {
			return &op
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state within %v", id, timeout)
	return nil
}

func (st *stack) cancelRun(t *testing.T, id string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, st.ts.URL+"/v1/runs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE run: %v", err)
	}
	resp.Body.Close()
}

func TestAutoModeFallsBackToLocal(t *testing.T) {
	st := newStack(t, false)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD"}, "timeframe": "1h", "epochs": 3, "mode": "auto",
	})
	done := st.waitTerminal(t, op.ID, 30*time.Second)

	if done.Status != model.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.Error)
	}
	if done.ResolvedMode != model.ModeLocal {
		t.Errorf("ResolvedMode = %q, want local", done.ResolvedMode)
	}

	// Artifact on disk, loadable and valid.
	if _, err := os.Stat(done.ArtifactLocation); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if _, err := st.artifacts.Load(done.ArtifactLocation); err != nil {
		t.Errorf("artifact does not load: %v", err)
	}

	// All five stages appear in the progress history, in order.
	history, err := st.store.GetProgressHistory(t.Context(), op.ID)
	if err != nil {
		t.Fatalf("GetProgressHistory: %v", err)
	}
	var stages []string
	for _, rec := range history {
		snap := rec.Snapshot
		if snap.Epoch == 0 && snap.Metrics == nil {
			stages = append(stages, snap.Stage)
		}
	}
	want := []string{
		pipeline.StageLoadData, pipeline.StageFeatures, pipeline.StageTrain,
		pipeline.StageEvaluate, pipeline.StagePersist,
	}
	if len(stages) != len(want) {
		t.Fatalf("boundary stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestRemoteRequiredButUnavailable(t *testing.T) {
	st := newStack(t, false)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD"}, "timeframe": "1h", "epochs": 3,
		"mode": "remote", "require_accelerator": true,
	})
	done := st.waitTerminal(t, op.ID, 10*time.Second)

	if done.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Error == "" {
		t.Error("no error message on failed run")
	}

	// Selection failed before execution: no pipeline stages ran.
	history, err := st.store.GetProgressHistory(t.Context(), op.ID)
	if err != nil {
		t.Fatalf("GetProgressHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("pipeline reported %d snapshots despite selection failure", len(history))
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	st := newStack(t, true)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD", "GBPUSD"}, "timeframe": "4h", "epochs": 3, "mode": "remote",
	})
	done := st.waitTerminal(t, op.ID, 60*time.Second)

	if done.Status != model.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.Error)
	}
	if done.ResolvedMode != model.ModeRemote {
		t.Errorf("ResolvedMode = %q, want remote", done.ResolvedMode)
	}
	if done.SessionID == "" {
		t.Error("no session id recorded for remote run")
	}

	// The delivered artifact landed in the initiator's store and validates.
	if _, err := os.Stat(done.ArtifactLocation); err != nil {
		t.Fatalf("delivered artifact missing: %v", err)
	}
	m, err := st.artifacts.Load(done.ArtifactLocation)
	if err != nil {
		t.Fatalf("delivered artifact does not load: %v", err)
	}
	if len(m.Symbols) != 2 {
		t.Errorf("artifact symbols = %v", m.Symbols)
	}
	if done.TrainingMetrics == nil || done.TrainingMetrics.EpochsRun != 3 {
		t.Errorf("TrainingMetrics = %+v", done.TrainingMetrics)
	}
}

func TestLocalCancellation(t *testing.T) {
	st := newStack(t, false)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD"}, "timeframe": "1h", "epochs": 2000, "mode": "local",
	})

	// Give it a moment to get into training, then cancel over the API.
	time.Sleep(100 * time.Millisecond)
	st.cancelRun(t, op.ID)

	done := st.waitTerminal(t, op.ID, 10*time.Second)
	if done.Status != model.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", done.Status)
	}
	if done.ArtifactLocation != "" {
		t.Error("cancelled run has an artifact location")
	}
	if done.Error == "" {
		t.Error("cancelled run carries no message")
	}
}

func TestRemoteCancellation(t *testing.T) {
	st := newStack(t, true)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD"}, "timeframe": "1h", "epochs": 2000, "mode": "remote",
	})

	time.Sleep(200 * time.Millisecond)
	cancelled := time.Now()
	st.cancelRun(t, op.ID)

	done := st.waitTerminal(t, op.ID, 30*time.Second)
	latency := time.Since(cancelled)
	if done.Status != model.StatusCancelled {
		t.Fatalf("status = %q (%s), want cancelled", done.Status, done.Error)
	}
	// Twice the 100ms poll ceiling, with slack for the stop round trip and
	// the 20ms status-poll granularity of waitTerminal.
	if latency > 400*time.Millisecond {
		t.Errorf("cancellation took %v, want within twice the polling interval", latency)
	}
	if done.ArtifactLocation != "" {
		t.Error("cancelled remote run has an artifact location")
	}
}

func TestCancelTwiceIsIdempotent(t *testing.T) {
	st := newStack(t, false)

	op := st.createRun(t, map[string]any{
		"symbols": []string{"EURUSD"}, "timeframe": "1h", "epochs": 2, "mode": "local",
	})
	done := st.waitTerminal(t, op.ID, 30*time.Second)
	if done.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed", done.Status)
	}

	for i := 0; i < 2; i++ {
		st.cancelRun(t, op.ID)
	}
	after := st.waitTerminal(t, op.ID, 5*time.Second)
	if after.Status != model.StatusCompleted {
		t.Errorf("status after cancel = %q, want completed unchanged", after.Status)
	}
	if after.ArtifactLocation != done.ArtifactLocation {
		t.Error("cancel altered the completed result")
	}
}
