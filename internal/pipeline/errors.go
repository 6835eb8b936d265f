package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by stages that observe a fired cancel token.
// Orchestrators map it to a terminal cancelled state, never to a failure.
var ErrCancelled = errors.New("operation cancelled")

// DataError wraps failures in the data-loading stage.
type DataError struct {
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data stage: %v", e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// ComputeError wraps failures in the feature, training, or evaluation stages.
type ComputeError struct {
	Stage string
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// PersistenceError wraps failures while persisting or validating an artifact.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist stage: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
