package deploy

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already in progress")
	ErrAlreadyTerminal     = errors.New("already finished")
	ErrCancelled           = errors.New("cancelled")
	ErrTimeout             = errors.New("timed out")
	ErrExecutorFailure     = errors.New("executor failure")
	ErrPersistenceDegraded = errors.New("persistence degraded")

	// ErrPermanent marks storage errors that retrying won't fix.
	ErrPermanent = errors.New("permanent")
)

// ExecutorError is returned when the external executor reports a failure,
// either through a log line matching a failure pattern or through a FAILED status file.
type ExecutorError struct {
	Line          string // set when a log line triggered the failure
	StatusContent string // set when the status file triggered the failure
}

func (e *ExecutorError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("Build failed: %s", e.Line)
	}
	if e.StatusContent != "" && e.StatusContent != "FAILED" {
		return fmt.Sprintf("Build script failed: %s", e.StatusContent)
	}
	return "Build script failed - check logs above"
}

func (e *ExecutorError) Unwrap() error {
	return ErrExecutorFailure
}

// permanentError wraps an error so that errors.Is(err, ErrPermanent) holds
// while the original error stays reachable.
type permanentError struct {
	err error
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }
