package domain

import "errors"

// Scheduler errors are caller logic errors: reported, not retried.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobTerminal   = errors.New("job already in a terminal state")
	ErrBadTransition = errors.New("illegal job status transition")
)

// ExecutionError records a failure from the execution collaborator. It is
// stored on the job and surfaced via JobError/JobFinished; it never crashes
// the scheduler.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return "execution failed for job " + e.JobID + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RenderError records a failure from the rendering collaborator (missing or
// corrupt source file). It is surfaced per-request and never cached.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return "render failed for " + e.Path + ": " + e.Err.Error()
}

func (e *RenderError) Unwrap() error { return e.Err }
