package model

import "time"

// Operation status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Execution mode constants.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
	ModeAuto   = "auto"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions; an operation never re-enters
// an earlier state.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the given status is terminal.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusFailed
}

// ValidMode reports whether mode is one of local, remote, or auto.
func ValidMode(mode string) bool {
	return mode == ModeLocal || mode == ModeRemote || mode == ModeAuto
}

// TrainingRequest holds the immutable parameters of one training operation.
// Symbols and timeframe are opaque to the execution core; they are passed
// through to the data-loading collaborator unchanged.
type TrainingRequest struct {
	Symbols            []string `json:"symbols"`
	Timeframe          string   `json:"timeframe"`
	Epochs             int      `json:"epochs"`
	Mode               string   `json:"mode"`
	RequireAccelerator bool     `json:"require_accelerator"`
	TimeoutS           *int     `json:"timeout_s,omitempty"`
}

// ProgressSnapshot is the latest-wins view of a running operation. Consumers
// only ever observe the most recent snapshot; intermediate ticks may be lost.
type ProgressSnapshot struct {
	StageIndex int                `json:"stage_index"`
	StageCount int                `json:"stage_count"`
	Stage      string             `json:"stage"`
	Epoch      int                `json:"epoch,omitempty"`
	Epochs     int                `json:"epochs,omitempty"`
	Batch      int                `json:"batch,omitempty"`
	Batches    int                `json:"batches,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TrainingMetrics summarizes the fit loop of a completed training stage.
type TrainingMetrics struct {
	EpochsRun  int     `json:"epochs_run"`
	Samples    int     `json:"samples"`
	FinalLoss  float64 `json:"final_loss"`
	DurationMS int     `json:"duration_ms"`
}

// EvaluationMetrics summarizes holdout evaluation of a trained model.
type EvaluationMetrics struct {
	Samples   int     `json:"samples"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// OperationResult is produced exactly once per operation, at a terminal state.
// Success implies the artifact was durably persisted before the result became
// observable.
type OperationResult struct {
	Success           bool              `json:"success"`
	ArtifactLocation  string            `json:"artifact_location,omitempty"`
	TrainingMetrics   TrainingMetrics   `json:"training_metrics"`
	EvaluationMetrics EvaluationMetrics `json:"evaluation_metrics"`
	FeatureNames      []string          `json:"feature_names,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// Operation is the store record of a training operation submitted to the core.
type Operation struct {
	ID                 string             `json:"id"`
	Status             string             `json:"status"`
	Mode               string             `json:"mode"`
	ResolvedMode       string             `json:"resolved_mode,omitempty"`
	Symbols            []string           `json:"symbols"`
	Timeframe          string             `json:"timeframe"`
	Epochs             int                `json:"epochs"`
	RequireAccelerator bool               `json:"require_accelerator"`
	SessionID          string             `json:"session_id,omitempty"`
	ArtifactLocation   string             `json:"artifact_location,omitempty"`
	Error              string             `json:"error,omitempty"`
	TrainingMetrics    *TrainingMetrics   `json:"training_metrics,omitempty"`
	EvaluationMetrics  *EvaluationMetrics `json:"evaluation_metrics,omitempty"`
	FeatureNames       []string           `json:"feature_names,omitempty"`
	TimeoutS           *int               `json:"timeout_s,omitempty"`
	DurationMS         *int               `json:"duration_ms,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	FinishedAt         *time.Time         `json:"finished_at,omitempty"`
}

// Request reconstructs the immutable training request from an operation record.
func (o *Operation) Request() TrainingRequest {
	return TrainingRequest{
		Symbols:            o.Symbols,
		Timeframe:          o.Timeframe,
		Epochs:             o.Epochs,
		Mode:               o.Mode,
		RequireAccelerator: o.RequireAccelerator,
		TimeoutS:           o.TimeoutS,
	}
}
