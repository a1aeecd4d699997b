package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDependencyCycle is returned when a dependency edge would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrInvalidTransition is returned when a unit or task is mutated in a way
	// its status forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrWorker matches every error raised by a worker invocation.
	ErrWorker = errors.New("worker error")
)

// WorkerError wraps the error returned by a worker for one unit.
type WorkerError struct {
	Task   string
	Label  string
	UnitID int64
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("task %q unit %s/%d: %v", e.Task, e.Label, e.UnitID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrWorker) match any WorkerError.
func (e *WorkerError) Is(target error) bool { return target == ErrWorker }
