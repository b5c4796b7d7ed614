package orchestrator

import (
	"errors"
	"fmt"
)

// Request-level failures surfaced to the HTTP layer.
var (
	// ErrAlreadyDone means the operation targets a run that already reached
	// a terminal status.
	ErrAlreadyDone = errors.New("run already finished")

	// ErrNotRunning means the operation requires a live child process.
	ErrNotRunning = errors.New("run is not running")

	// ErrWrongInputFormat means inject was called on a run that was not
	// started with stream-json input.
	ErrWrongInputFormat = errors.New("run does not accept injected messages")

	// ErrNotReady means the stdin writer could not be acquired in time.
	ErrNotReady = errors.New("child not ready for input")

	// ErrCapacity means the concurrent-run limit is reached.
	ErrCapacity = errors.New("maximum concurrent runs reached")
)

// ValidationError reports a bad request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SpawnError reports that the child process could not be started. The run is
// already marked failed when this surfaces.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn child: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
