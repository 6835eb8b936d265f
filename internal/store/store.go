package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// ErrNotFound is returned when an operation is not found.
var ErrNotFound = errors.New("operation not found")

// ErrInvalidTransition is returned when an operation status transition is not
// allowed. Terminal states are never re-entered or overwritten.
var ErrInvalidTransition = errors.New("invalid status transition")

// OperationStats holds aggregate execution statistics.
type OperationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// ProgressRecord is one retained progress snapshot of an operation.
type ProgressRecord struct {
	Seq       int                    `json:"seq"`
	Snapshot  model.ProgressSnapshot `json:"snapshot"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store defines the persistence operations for training operations.
type Store interface {
	CreateOperation(ctx context.Context, op *model.Operation) error
	GetOperation(ctx context.Context, id string) (*model.Operation, error)
	ListOperations(ctx context.Context, limit, offset int) ([]*model.Operation, int, error)

	// MarkOperationRunning transitions queued→running, recording the resolved
	// execution mode, remote session id (empty for local), and start time.
	MarkOperationRunning(ctx context.Context, id, resolvedMode, sessionID string, startedAt time.Time) error

	// FinishOperation writes a terminal state. The transition from the
	// current status must be valid or ErrInvalidTransition is returned.
	FinishOperation(ctx context.Context, op *model.Operation) error

	GetOperationStats(ctx context.Context) (*OperationStats, error)

	InsertProgress(ctx context.Context, operationID string, seq int, snap model.ProgressSnapshot) error
	GetProgressHistory(ctx context.Context, operationID string) ([]ProgressRecord, error)

	Close() error
}
