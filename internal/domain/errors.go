package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrTerminalState is returned when mutating a job that has already
	// reached done or failed.
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrDispatchFailed is returned when the background dispatcher has
	// no free execution slot for a new pipeline run.
	ErrDispatchFailed = errors.New("background dispatch failed: execution slots exhausted")

	// ErrResourceNotFound is returned when a referenced artifact does
	// not exist.
	ErrResourceNotFound = errors.New("referenced artifact not found")
)

// InvalidTransitionError reports an illegal state machine edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// StageError wraps a failure from an external stage operation with the
// stage name it occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err as a failure of the named stage.
func NewStageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
