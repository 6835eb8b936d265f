// Package local executes training operations in-process. The orchestrator
// walks the pipeline stage by stage on the submitting engine's goroutine,
// checking the cancel token at every stage boundary; inside the training
// stage the token is polled per batch, which keeps local cancellation
// latency well under the stage granularity.
package local

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/crucible/internal/device"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
)

// Orchestrator runs operations locally, bounded by an admission semaphore so
// a burst of submissions cannot oversubscribe the host.
type Orchestrator struct {
	pipe   *pipeline.Pipeline
	dev    device.Capability
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a local orchestrator. The device is probed once at
// construction; maxConcurrent bounds in-flight pipeline runs.
func New(pipe *pipeline.Pipeline, maxConcurrent int64, logger *slog.Logger) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	dev := device.Probe()
	logger.Info("local compute device probed",
		"kind", dev.Kind,
		"name", dev.Name,
		"batch_ceiling", dev.RecommendedBatchCeiling)
	return &Orchestrator{
		pipe:   pipe,
		dev:    dev,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
	}
}

// Device returns the probed compute capability.
func (o *Orchestrator) Device() device.Capability {
	return o.dev
}

// Run executes the full pipeline for one operation. It returns ErrCancelled
// when the token fires, the context error when ctx expires, or the first
// stage error otherwise.
func (o *Orchestrator) Run(ctx context.Context, op *model.Operation, token *pipeline.FlagToken, sink pipeline.ProgressSink) (*model.OperationResult, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)

	stages := o.pipe.Stages()
	count := o.pipe.StageCount()

	rc := &pipeline.Run{
		OperationID: op.ID,
		Request:     op.Request(),
		Device:      o.dev,
		TrainCancelled: func() bool {
			return token.Cancelled() || ctx.Err() != nil
		},
	}
	rc.ReportTrainProgress = func(epoch, epochs, batch, batches int, loss float64) {
		sink.Report(model.ProgressSnapshot{
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

	for i, stage := range stages {
		if token.Cancelled() {
			o.logger.Info("local run cancelled at stage boundary",
				"operation_id", op.ID, "stage", stage.Name)
			return nil, pipeline.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sink.Report(model.ProgressSnapshot{
			StageIndex: i,
			StageCount: count,
			Stage:      stage.Name,
			Timestamp:  time.Now().UTC(),
		})

		if err := stage.Run(rc); err != nil {
			// The trainer surfaces ErrCancelled for both the token and an
			// expired context; disambiguate so timeouts fail rather than
			// record a cancellation nobody requested.
			if errors.Is(err, pipeline.ErrCancelled) && !token.Cancelled() && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	o.logger.Info("local run completed",
		"operation_id", op.ID,
		"artifact", rc.ArtifactLocation,
		"final_loss", rc.TrainMetrics.FinalLoss)
	return rc.Result(), nil
}
