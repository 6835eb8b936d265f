package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeOperation() *model.Operation {
	return &model.Operation{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		Mode:      model.ModeAuto,
		Symbols:   []string{"EURUSD", "GBPUSD"},
		Timeframe: "1h",
		Epochs:    10,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := makeOperation()
	op.RequireAccelerator = true
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if len(got.Symbols) != 2 || got.Symbols[0] != "EURUSD" {
		t.Errorf("Symbols = %v, want [EURUSD GBPUSD]", got.Symbols)
	}
	if !got.RequireAccelerator {
		t.Error("RequireAccelerator not persisted")
	}
	if got.Epochs != 10 || got.Timeframe != "1h" {
		t.Errorf("Epochs/Timeframe = %d/%q, want 10/1h", got.Epochs, got.Timeframe)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOperation(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkOperationRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := makeOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	start := time.Now().UTC()
	if err := s.MarkOperationRunning(ctx, op.ID, model.ModeRemote, "sess-1", start); err != nil {
		t.Fatalf("MarkOperationRunning: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.ResolvedMode != model.ModeRemote {
		t.Errorf("ResolvedMode = %q, want remote", got.ResolvedMode)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got.SessionID)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	// Running again is an invalid transition.
	err = s.MarkOperationRunning(ctx, op.ID, model.ModeRemote, "sess-1", start)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second mark error = %v, want ErrInvalidTransition", err)
	}
}

func finishWith(t *testing.T, s *store.SQLiteStore, id, status string) error {
	t.Helper()
	now := time.Now().UTC()
	dur := 1200
	return s.FinishOperation(context.Background(), &model.Operation{
		ID:         id,
		Status:     status,
		DurationMS: &dur,
		FinishedAt: &now,
	})
}

func TestFinishOperationCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := makeOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if err := s.MarkOperationRunning(ctx, op.ID, model.ModeLocal, "", time.Now().UTC()); err != nil {
		t.Fatalf("MarkOperationRunning: %v", err)
	}

	now := time.Now().UTC()
	dur := 4200
	finished := &model.Operation{
		ID:                op.ID,
		Status:            model.StatusCompleted,
		ArtifactLocation:  "/artifacts/op.model.gz",
		TrainingMetrics:   &model.TrainingMetrics{EpochsRun: 10, FinalLoss: 0.61},
		EvaluationMetrics: &model.EvaluationMetrics{Accuracy: 0.54, Samples: 120},
		FeatureNames:      []string{"return_1", "rsi_14"},
		DurationMS:        &dur,
		FinishedAt:        &now,
	}
	if err := s.FinishOperation(ctx, finished); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ArtifactLocation != "/artifacts/op.model.gz" {
		t.Errorf("ArtifactLocation = %q", got.ArtifactLocation)
	}
	if got.TrainingMetrics == nil || got.TrainingMetrics.EpochsRun != 10 {
		t.Errorf("TrainingMetrics = %+v, want EpochsRun 10", got.TrainingMetrics)
	}
	if got.EvaluationMetrics == nil || got.EvaluationMetrics.Samples != 120 {
		t.Errorf("EvaluationMetrics = %+v, want Samples 120", got.EvaluationMetrics)
	}
	if len(got.FeatureNames) != 2 {
		t.Errorf("FeatureNames = %v, want 2 names", got.FeatureNames)
	}
	if got.FinishedAt == nil || got.DurationMS == nil {
		t.Error("FinishedAt/DurationMS not set")
	}
}

func TestFinishOperationFromQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Cancelling before start is queued→cancelled, which is allowed.
	op := makeOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if err := finishWith(t, s, op.ID, model.StatusCancelled); err != nil {
		t.Fatalf("FinishOperation(cancelled): %v", err)
	}

	// queued→completed is not.
	op2 := makeOperation()
	if err := s.CreateOperation(ctx, op2); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	err := finishWith(t, s, op2.ID, model.StatusCompleted)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("queued→completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestFinishOperationNeverOverwritesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := makeOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if err := s.MarkOperationRunning(ctx, op.ID, model.ModeLocal, "", time.Now().UTC()); err != nil {
		t.Fatalf("MarkOperationRunning: %v", err)
	}
	if err := finishWith(t, s, op.ID, model.StatusCancelled); err != nil {
		t.Fatalf("FinishOperation(cancelled): %v", err)
	}

	for _, status := range []string{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		err := finishWith(t, s, op.ID, status)
		if !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("cancelled→%s error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestListOperationsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		op := makeOperation()
		op.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation[%d]: %v", i, err)
		}
	}

	ops, total, err := s.ListOperations(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(ops) != 2 {
		t.Errorf("len(ops) = %d, want 2", len(ops))
	}

	rest, _, err := s.ListOperations(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListOperations offset: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("len(rest) = %d, want 3", len(rest))
	}
}

func TestGetOperationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	completed := makeOperation()
	if err := s.CreateOperation(ctx, completed); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOperationRunning(ctx, completed.ID, model.ModeLocal, "", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := finishWith(t, s, completed.ID, model.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	queued := makeOperation()
	if err := s.CreateOperation(ctx, queued); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetOperationStats(ctx)
	if err != nil {
		t.Fatalf("GetOperationStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 1 || stats.CountByStatus[model.StatusQueued] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByMode[model.ModeLocal] != 1 {
		t.Errorf("CountByMode = %v, want local:1", stats.CountByMode)
	}
	if stats.AvgDurationMS <= 0 {
		t.Errorf("AvgDurationMS = %v, want > 0", stats.AvgDurationMS)
	}
}

func TestProgressHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := makeOperation()
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		snap := model.ProgressSnapshot{
			StageIndex: 2,
			StageCount: 5,
			Stage:      "train",
			Epoch:      i + 1,
			Epochs:     3,
			Metrics:    map[string]float64{"loss": 0.7 - float64(i)*0.01},
			Timestamp:  time.Now().UTC(),
		}
		if err := s.InsertProgress(ctx, op.ID, i, snap); err != nil {
			t.Fatalf("InsertProgress[%d]: %v", i, err)
		}
	}

	records, err := s.GetProgressHistory(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetProgressHistory: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Seq != i {
			t.Errorf("record[%d].Seq = %d, want %d", i, rec.Seq, i)
		}
		if rec.Snapshot.Epoch != i+1 {
			t.Errorf("record[%d].Epoch = %d, want %d", i, rec.Snapshot.Epoch, i+1)
		}
		if rec.Snapshot.Stage != "train" {
			t.Errorf("record[%d].Stage = %q, want train", i, rec.Snapshot.Stage)
		}
	}
}
