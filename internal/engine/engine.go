// Package engine orchestrates asynchronous training operations on the
// initiator: it selects an execution mode per request, dispatches to the
// local or remote runner, owns the operation's lifecycle in the store, and
// fans progress out to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/mode"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/store"
)

// Runner executes one training operation to completion in a concrete
// execution context. Both the local and remote orchestrators satisfy it.
type Runner interface {
	Run(ctx context.Context, op *model.Operation, token *pipeline.FlagToken, sink pipeline.ProgressSink) (*model.OperationResult, error)
}

// Engine coordinates asynchronous operation execution.
type Engine struct {
	store    store.Store
	selector *mode.Selector
	runners  map[string]Runner
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *ProgressBroker

	mu     sync.Mutex
	tokens map[string]*pipeline.FlagToken
}

// New creates an execution engine. runners maps concrete execution modes
// (local, remote) to their orchestrators.
func New(s store.Store, selector *mode.Selector, runners map[string]Runner, logger *slog.Logger) *Engine {
	if runners == nil {
		runners = make(map[string]Runner)
	}
	return &Engine{
		store:    s,
		selector: selector,
		runners:  runners,
		logger:   logger,
		broker:   NewProgressBroker(),
		tokens:   make(map[string]*pipeline.FlagToken),
	}
}

// RegisterRunner binds an execution mode to its orchestrator. Must be called
// before the first Submit; the runner map is not guarded after that.
func (e *Engine) RegisterRunner(name string, r Runner) {
	e.runners[name] = r
}

// Broker returns the engine's progress broker for SSE subscription.
func (e *Engine) Broker() *ProgressBroker {
	return e.broker
}

// Submit stores the operation with status "queued" and launches asynchronous
// execution. The goroutine operates on a copy of the operation to avoid data
// races with the caller.
func (e *Engine) Submit(ctx context.Context, op *model.Operation) error {
	if err := e.store.CreateOperation(ctx, op); err != nil {
		return fmt.Errorf("create operation: %w", err)
	}

	token := pipeline.NewFlagToken()
	e.mu.Lock()
	e.tokens[op.ID] = token
	e.mu.Unlock()

	opCopy := *op
	e.wg.Go(func() {
		e.execute(&opCopy, token)
	})

	return nil
}

// Cancel requests cancellation of an operation. It is idempotent: cancelling
// a terminal operation returns its record unchanged, and repeated calls have
// the same effect as one. The returned operation reflects the state at the
// time of the call; the terminal cancelled state lands asynchronously.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Operation, error) {
	op, err := e.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(op.Status) {
		return op, nil
	}

	e.mu.Lock()
	token, ok := e.tokens[id]
	e.mu.Unlock()

	if ok {
		token.Cancel()
		return op, nil
	}

	// No in-flight goroutine owns this operation (e.g. after a restart);
	// finalize the record directly.
	now := time.Now().UTC()
	op.Status = model.StatusCancelled
	op.Error = "operation cancelled"
	op.FinishedAt = &now
	if err := e.store.FinishOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Wait blocks until all in-flight operation goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) dropToken(id string) {
	e.mu.Lock()
	delete(e.tokens, id)
	e.mu.Unlock()
}

// execute runs the operation lifecycle: queued→running→terminal.
func (e *Engine) execute(op *model.Operation, token *pipeline.FlagToken) {
	defer e.broker.Close(op.ID)
	defer e.dropToken(op.ID)

	// Cancelled before anything started: terminal with no side effects, no
	// artifact, no mode selection.
	if token.Cancelled() {
		e.finishCancelled(op, nil)
		return
	}

	resolved, err := e.selector.Select(context.Background(), op.Mode, op.RequireAccelerator)
	if err != nil {
		e.finishFailed(op, nil, fmt.Sprintf("select execution mode: %v", err))
		return
	}
	op.ResolvedMode = resolved

	runner, ok := e.runners[resolved]
	if !ok {
		e.finishFailed(op, nil, fmt.Sprintf("no runner registered for mode %q", resolved))
		return
	}

	start := time.Now()
	if err := e.store.MarkOperationRunning(context.Background(), op.ID, resolved, "", start.UTC()); err != nil {
		e.logger.Error("failed to transition to running", "operation_id", op.ID, "error", err)
		e.finishFailed(op, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}

	ctx := context.Background()
	if op.TimeoutS != nil && *op.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*op.TimeoutS)*time.Second)
		defer cancel()
	}

	// The sink dual-writes: persist to SQLite for historical viewing, then
	// publish to the broker for live subscribers.
	var seq atomic.Int32
	sink := pipeline.SinkFunc(func(snap model.ProgressSnapshot) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.InsertProgress(context.Background(), op.ID, currentSeq, snap); err != nil {
			e.logger.Error("failed to persist progress snapshot", "operation_id", op.ID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(op.ID, snap)
	})

	result, err := runner.Run(ctx, op, token, sink)

	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		e.finishCancelled(op, &start)
	case err != nil:
		msg := err.Error()
		if ctx.Err() == context.DeadlineExceeded && op.TimeoutS != nil {
			msg = fmt.Sprintf("operation timed out after %ds", *op.TimeoutS)
		}
		e.finishFailed(op, &start, msg)
	default:
		e.finishCompleted(op, start, result)
	}
}

// finishCompleted records the terminal completed state. By the time this
// runs, the runner has already durably persisted the artifact.
func (e *Engine) finishCompleted(op *model.Operation, start time.Time, result *model.OperationResult) {
	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())

	op.Status = model.StatusCompleted
	op.ArtifactLocation = result.ArtifactLocation
	op.TrainingMetrics = &result.TrainingMetrics
	op.EvaluationMetrics = &result.EvaluationMetrics
	op.FeatureNames = result.FeatureNames
	op.DurationMS = &dur
	op.FinishedAt = &now

	if err := e.store.FinishOperation(context.Background(), op); err != nil {
		e.logger.Error("failed to record completed operation", "operation_id", op.ID, "error", err)
	}
	operationsTotal.WithLabelValues(op.ResolvedMode, model.StatusCompleted).Inc()
}

// finishCancelled records the terminal cancelled state. startedAt is nil when
// execution never began.
func (e *Engine) finishCancelled(op *model.Operation, startedAt *time.Time) {
	now := time.Now().UTC()
	var dur int
	if startedAt != nil {
		dur = int(time.Since(*startedAt).Milliseconds())
	}

	op.Status = model.StatusCancelled
	op.Error = "operation cancelled"
	op.DurationMS = &dur
	op.FinishedAt = &now

	if err := e.store.FinishOperation(context.Background(), op); err != nil {
		e.logger.Error("failed to record cancelled operation", "operation_id", op.ID, "error", err)
	}
	operationsTotal.WithLabelValues(op.ResolvedMode, model.StatusCancelled).Inc()
}

// finishFailed records the terminal failed state with a human-readable
// message.
func (e *Engine) finishFailed(op *model.Operation, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var dur int
	if startedAt != nil {
		dur = int(time.Since(*startedAt).Milliseconds())
	}

	op.Status = model.StatusFailed
	op.Error = errMsg
	op.DurationMS = &dur
	op.FinishedAt = &now

	if err := e.store.FinishOperation(context.Background(), op); err != nil {
		e.logger.Error("failed to record failed operation", "operation_id", op.ID, "error", err)
	}
	operationsTotal.WithLabelValues(op.ResolvedMode, model.StatusFailed).Inc()
}
