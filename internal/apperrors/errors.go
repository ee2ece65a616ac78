// Package apperrors provides structured errors for the job-chain runner.
//
// Every error carries a sentinel so callers can classify it with errors.Is,
// plus the job, path and operation it concerns.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrMissingInput      = errors.New("missing input")
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrProcessDeath      = errors.New("process died")
	ErrCompletionCheck   = errors.New("completion check failed")
	ErrDiscovery         = errors.New("discovery failed")
	ErrTimeout           = errors.New("job timed out")
	ErrInterrupted       = errors.New("interrupted")
	ErrIncomplete        = errors.New("run incomplete")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message, also used as status detail
	Job      string // Job name, if the error is job-scoped
	Path     string // File or directory involved
	Op       string // Operation that failed (e.g., "engine.launch")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// MissingInput reports a required artifact absent before launch.
func MissingInput(job, path string) error {
	return &Error{
		Sentinel: ErrMissingInput,
		Message:  fmt.Sprintf("missing input for %s: %s", job, path),
		Job:      job,
		Path:     path,
	}
}

// EngineUnavailable reports an unreachable engine launcher.
func EngineUnavailable(launcher string, cause error) error {
	msg := fmt.Sprintf("engine launcher unavailable: %s", launcher)
	if cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, cause)
	}
	return &Error{
		Sentinel: ErrEngineUnavailable,
		Message:  msg,
		Path:     launcher,
		Cause:    cause,
	}
}

// ProcessDeath reports a child that vanished between liveness checks.
func ProcessDeath(job, processID string) error {
	return &Error{
		Sentinel: ErrProcessDeath,
		Message:  fmt.Sprintf("engine process %s for %s terminated unexpectedly", processID, job),
		Job:      job,
	}
}

// CompletionCheck reports artifacts that do not prove success.
func CompletionCheck(job, reason string, cause error) error {
	msg := fmt.Sprintf("%s did not complete: %s", job, reason)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrCompletionCheck,
		Message:  msg,
		Job:      job,
		Cause:    cause,
	}
}

// Discovery reports a run-enumeration failure.
func Discovery(path, reason string, cause error) error {
	msg := fmt.Sprintf("discover runs in %s: %s", path, reason)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrDiscovery,
		Message:  msg,
		Path:     path,
		Cause:    cause,
	}
}

// Timeout reports a job that exceeded its maximum duration.
func Timeout(job string, limit time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s exceeded job timeout of %s", job, limit),
		Job:      job,
	}
}

// Interrupted reports a job stopped because the runner was cancelled.
func Interrupted(job string, cause error) error {
	return &Error{
		Sentinel: ErrInterrupted,
		Message:  fmt.Sprintf("interrupted while running %s", job),
		Job:      job,
		Cause:    cause,
	}
}

// Incomplete reports a run whose chain finished without reaching the
// expected number of status logs.
func Incomplete(runID string, found, expected int) error {
	return &Error{
		Sentinel: ErrIncomplete,
		Message:  fmt.Sprintf("run %s incomplete: %d of %d status logs after final step", runID, found, expected),
	}
}

// Internal wraps an unexpected failure of an operation.
func Internal(op string, cause error) error {
	return &Error{
		Message: fmt.Sprintf("%s: %v", op, cause),
		Op:      op,
		Cause:   cause,
	}
}
