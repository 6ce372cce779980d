package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is the error of a run that went past its execution
	// timeout. It is never retried.
	ErrTimedOut = errors.New("run timed out")
	// ErrQueueFull is returned by Admit when the run queue has no room.
	ErrQueueFull = errors.New("run queue full")
	// ErrNoAgent is returned by TryAcquire when no agent in the pool could
	// ever satisfy the requirements.
	ErrNoAgent = errors.New("no compatible agent")
)

// StepFailure is the error of a run stopped by a step exiting non-zero.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}

	return fmt.Sprintf("step %s exited with %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

// FailureConditionBreach is the error of a run failed by a failure
// condition after its steps were done.
type FailureConditionBreach struct {
	Condition string
	Value     string
}

func (e *FailureConditionBreach) Error() string {
	return fmt.Sprintf("failure condition %s breached (value %s)", e.Condition, e.Value)
}
