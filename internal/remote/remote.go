package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
	"github.com/seantiz/crucible/internal/transfer"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultPollCeiling     = 10 * time.Second
	defaultDeliveryTimeout = 30 * time.Second
)

// Orchestrator runs operations on a remote worker. It starts a session,
// polls its status with backoff while the operation is non-terminal, relays
// cancellation by stopping the session, and on completion waits for the
// worker's artifact callback to land before declaring success.
type Orchestrator struct {
	client   *Client
	receiver *transfer.Receiver
	callback string
	logger   *slog.Logger

	pollInterval    time.Duration
	pollCeiling     time.Duration
	deliveryTimeout time.Duration
}

// New creates a remote orchestrator. callbackAddress is the full URL of the
// initiator's result endpoint, handed to the worker at session start.
func New(client *Client, receiver *transfer.Receiver, callbackAddress string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client:          client,
		receiver:        receiver,
		callback:        callbackAddress,
		logger:          logger,
		pollInterval:    defaultPollInterval,
		pollCeiling:     defaultPollCeiling,
		deliveryTimeout: defaultDeliveryTimeout,
	}
}

// SetPollInterval overrides the polling cadence. Used by tests to keep
// polling loops fast.
func (o *Orchestrator) SetPollInterval(initial, ceiling time.Duration) {
	o.pollInterval = initial
	o.pollCeiling = ceiling
}

// SetDeliveryTimeout overrides how long a completed session may take to
// deliver its artifact before the operation is failed.
func (o *Orchestrator) SetDeliveryTimeout(d time.Duration) {
	o.deliveryTimeout = d
}

// Run drives one operation to a terminal state on the worker.
func (o *Orchestrator) Run(ctx context.Context, op *model.Operation, token *pipeline.FlagToken, sink pipeline.ProgressSink) (*model.OperationResult, error) {
	if token.Cancelled() {
		return nil, pipeline.ErrCancelled
	}

	started, err := o.client.Start(ctx, &StartRequest{
		Symbols:         op.Symbols,
		Timeframe:       op.Timeframe,
		Epochs:          op.Epochs,
		TimeoutS:        op.TimeoutS,
		CallbackAddress: o.callback,
	})
	if err != nil {
		return nil, fmt.Errorf("start remote session: %w", err)
	}
	op.SessionID = started.SessionID
	o.logger.Info("remote session started",
		"operation_id", op.ID, "session_id", started.SessionID)

	return o.poll(ctx, op, token, sink)
}

// poll watches the session until it reaches a terminal status. The interval
// starts at pollInterval and doubles up to pollCeiling while the session
// stays non-terminal. A fired token issues one Stop, then polling continues
// until the worker confirms the terminal state.
func (o *Orchestrator) poll(ctx context.Context, op *model.Operation, token *pipeline.FlagToken, sink pipeline.ProgressSink) (*model.OperationResult, error) {
	interval := o.pollInterval
	stopped := false
	var lastReported *model.ProgressSnapshot

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopOnce(op.SessionID, &stopped)
			return nil, ctx.Err()

		case <-token.Done():
			o.stopOnce(op.SessionID, &stopped)
			// Keep polling; the worker confirms the cancelled state.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(o.pollInterval)
			result, err := o.pollUntilTerminal(ctx, op, timer, sink, &lastReported)
			if err != nil || result != nil {
				return result, err
			}
			return nil, pipeline.ErrCancelled

		case <-timer.C:
			status, err := o.client.Status(ctx, op.SessionID)
			if err != nil {
				// Transient; next poll retries.
				o.logger.Warn("status poll failed",
					"operation_id", op.ID, "session_id", op.SessionID, "error", err)
			} else {
				o.report(status, sink, &lastReported)
				if model.IsTerminal(status.Status) {
					return o.resolve(ctx, op, status)
				}
			}
			if interval *= 2; interval > o.pollCeiling {
				interval = o.pollCeiling
			}
			timer.Reset(interval)
		}
	}
}

// pollUntilTerminal runs the post-stop polling phase at the base cadence. It
// returns (nil, nil) when the worker lands on cancelled, or the resolved
// result for any other terminal state.
func (o *Orchestrator) pollUntilTerminal(ctx context.Context, op *model.Operation, timer *time.Timer, sink pipeline.ProgressSink, lastReported **model.ProgressSnapshot) (*model.OperationResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			status, err := o.client.Status(ctx, op.SessionID)
			if err != nil {
				o.logger.Warn("status poll failed",
					"operation_id", op.ID, "session_id", op.SessionID, "error", err)
				timer.Reset(o.pollInterval)
				continue
			}
			o.report(status, sink, lastReported)
			if !model.IsTerminal(status.Status) {
				timer.Reset(o.pollInterval)
				continue
			}
			if status.Status == model.StatusCancelled {
				return nil, nil
			}
			return o.resolve(ctx, op, status)
		}
	}
}

// report forwards a changed progress snapshot to the sink. Identical
// consecutive polls are not re-reported; lost intermediate ticks between
// polls are acceptable, the latest value wins.
func (o *Orchestrator) report(status *StatusResponse, sink pipeline.ProgressSink, lastReported **model.ProgressSnapshot) {
	snap := status.Progress
	if snap == nil {
		return
	}
	if prev := *lastReported; prev != nil &&
		prev.StageIndex == snap.StageIndex &&
		prev.Epoch == snap.Epoch &&
		prev.Batch == snap.Batch {
		return
	}
	*lastReported = snap
	sink.Report(*snap)
}

// resolve maps a terminal session status to the operation outcome. Completed
// sessions are not successful until the artifact callback has landed and
// validated; a missing delivery fails the operation while the artifact stays
// parked in the remote session.
func (o *Orchestrator) resolve(ctx context.Context, op *model.Operation, status *StatusResponse) (*model.OperationResult, error) {
	switch status.Status {
	case model.StatusCancelled:
		return nil, pipeline.ErrCancelled

	case model.StatusFailed:
		msg := status.Error
		if msg == "" {
			msg = "remote execution failed"
		}
		return nil, errors.New(msg)

	case model.StatusCompleted:
		waitCtx, cancel := context.WithTimeout(ctx, o.deliveryTimeout)
		defer cancel()
		delivery, err := o.receiver.Await(waitCtx, op.SessionID)
		if err != nil {
			return nil, &pipeline.PersistenceError{
				Err: fmt.Errorf("remote pipeline completed but artifact was not delivered for session %s: %w", op.SessionID, err),
			}
		}
		return &model.OperationResult{
			Success:           true,
			ArtifactLocation:  delivery.ArtifactLocation,
			TrainingMetrics:   delivery.TrainingMetrics,
			EvaluationMetrics: delivery.EvaluationMetrics,
			FeatureNames:      delivery.FeatureNames,
		}, nil

	default:
		return nil, fmt.Errorf("worker reported unexpected terminal status %q", status.Status)
	}
}

func (o *Orchestrator) stopOnce(sessionID string, stopped *bool) {
	if *stopped {
		return
	}
	*stopped = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.client.Stop(ctx, sessionID); err != nil {
		o.logger.Warn("stop request failed", "session_id", sessionID, "error", err)
	}
}
