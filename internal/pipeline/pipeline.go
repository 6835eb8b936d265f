// Package pipeline defines the training work pipeline: a fixed, ordered
// sequence of pure, synchronous stages carrying a run from raw candles to a
// persisted model artifact. Stages know nothing about execution location;
// orchestrators check cancellation at stage boundaries, and only the training
// stage accepts fine-grained progress and cancellation hooks, because its fit
// loop is the only work long enough to need them.
package pipeline

import (
	"fmt"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/device"
	"github.com/seantiz/crucible/internal/model"
)

// Stage names, in execution order.
const (
	StageLoadData = "load-data"
	StageFeatures = "features"
	StageTrain    = "train"
	StageEvaluate = "evaluate"
	StagePersist  = "persist"
)

// TrainProgressFunc reports fine-grained training progress. This signature is
// fixed; it is the only side channel the training stage exposes.
type TrainProgressFunc func(epoch, epochs, batch, batches int, loss float64)

// DataLoader is the data-loading collaborator: tabular time series per symbol.
type DataLoader interface {
	Load(req model.TrainingRequest) (map[string][]Candle, error)
}

// FeatureBuilder is the feature-engineering collaborator.
type FeatureBuilder interface {
	Build(candles map[string][]Candle) (*FeatureSet, error)
}

// Trainer fits a model over the training split of a feature set. It must call
// report and cancelled cooperatively; a fired cancel check makes it return
// ErrCancelled.
type Trainer interface {
	Train(fs *FeatureSet, dev device.Capability, epochs int, report TrainProgressFunc, cancelled func() bool) (*artifact.Model, model.TrainingMetrics, error)
}

// Evaluator scores a trained model on the holdout split.
type Evaluator interface {
	Evaluate(m *artifact.Model, fs *FeatureSet) (model.EvaluationMetrics, error)
}

// Run carries one operation through the pipeline. The orchestrator fills the
// request, device, and training hooks before execution; stages populate the
// remaining fields as they complete.
type Run struct {
	OperationID string
	Request     model.TrainingRequest
	Device      device.Capability

	// Training-stage hooks. Nil hooks disable fine-grained reporting and
	// in-train cancellation checks.
	ReportTrainProgress TrainProgressFunc
	TrainCancelled      func() bool

	Candles  map[string][]Candle
	Features *FeatureSet
	Model    *artifact.Model

	TrainMetrics     model.TrainingMetrics
	EvalMetrics      model.EvaluationMetrics
	ArtifactLocation string
}

// Stage is one pure step of the pipeline.
type Stage struct {
	Name string
	Run  func(rc *Run) error
}

// Pipeline is the fixed ordered stage list. It has no knowledge of
// cancellation routing, progress transport, or execution location.
type Pipeline struct {
	stages []Stage
}

// New assembles the five-stage pipeline from its collaborators.
func New(loader DataLoader, builder FeatureBuilder, trainer Trainer, evaluator Evaluator, artifacts *artifact.Store) *Pipeline {
	return &Pipeline{stages: []Stage{
		{Name: StageLoadData, Run: func(rc *Run) error {
			candles, err := loader.Load(rc.Request)
			if err != nil {
				return &DataError{Err: err}
			}
			if len(candles) == 0 {
				return &DataError{Err: fmt.Errorf("no data for symbols %v", rc.Request.Symbols)}
			}
			rc.Candles = candles
			return nil
		}},
		{Name: StageFeatures, Run: func(rc *Run) error {
			fs, err := builder.Build(rc.Candles)
			if err != nil {
				return &ComputeError{Stage: StageFeatures, Err: err}
			}
			rc.Features = fs
			return nil
		}},
		{Name: StageTrain, Run: func(rc *Run) error {
			cancelled := rc.TrainCancelled
			if cancelled == nil {
				cancelled = func() bool { return false }
			}
			report := rc.ReportTrainProgress
			if report == nil {
				report = func(int, int, int, int, float64) {}
			}
			m, metrics, err := trainer.Train(rc.Features, rc.Device, rc.Request.Epochs, report, cancelled)
			if err != nil {
				return err
			}
			m.Symbols = rc.Request.Symbols
			m.Timeframe = rc.Request.Timeframe
			rc.Model = m
			rc.TrainMetrics = metrics
			return nil
		}},
		{Name: StageEvaluate, Run: func(rc *Run) error {
			metrics, err := evaluator.Evaluate(rc.Model, rc.Features)
			if err != nil {
				return &ComputeError{Stage: StageEvaluate, Err: err}
			}
			rc.EvalMetrics = metrics
			return nil
		}},
		{Name: StagePersist, Run: func(rc *Run) error {
			location, err := artifacts.Save(rc.Model, rc.OperationID)
			if err != nil {
				return &PersistenceError{Err: err}
			}
			rc.ArtifactLocation = location
			return nil
		}},
	}}
}

// Default assembles the pipeline with the built-in collaborators.
func Default(artifacts *artifact.Store) *Pipeline {
	return New(NewSyntheticLoader(), NewIndicatorFeatures(), NewSGDTrainer(), NewHoldoutEvaluator(), artifacts)
}

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// StageCount returns the number of stages.
func (p *Pipeline) StageCount() int {
	return len(p.stages)
}

// Result assembles the terminal OperationResult from a completed run.
func (rc *Run) Result() *model.OperationResult {
	return &model.OperationResult{
		Success:           true,
		ArtifactLocation:  rc.ArtifactLocation,
		TrainingMetrics:   rc.TrainMetrics,
		EvaluationMetrics: rc.EvalMetrics,
		FeatureNames:      rc.Model.FeatureNames,
	}
}
