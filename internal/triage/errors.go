package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced ticket or suggestion does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// ticket's (or suggestion's) current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is returned when another run holds the ticket or the ticket
	// changed underneath a run.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput is returned when caller-supplied fields fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// StepError is a failure inside one pipeline step. Its message is the
// underlying error's message unchanged.
type StepError struct {
	Step  string
	RunID string
	Err   error
}

func (e *StepError) Error() string { return e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned once every attempt of RetryTriage failed.
type RetryExhaustedError struct {
	Attempts int
	RunIDs   []string
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("triage failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// permanent reports whether retrying err cannot change the outcome.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState)
}
