package engine

import "fmt"

// ParameterResolutionError marks a template reference that could not be
// resolved against the producer's recorded outputs at dispatch time. It is
// a step failure subject to the step's own failure policy.
type ParameterResolutionError struct {
	StepID    string
	Reference string
}

func (e *ParameterResolutionError) Error() string {
	return fmt.Sprintf("step %q: parameter reference %q does not resolve to a recorded output", e.StepID, e.Reference)
}

// ConditionEvaluationError marks a step condition that failed to evaluate.
// Treated as a step failure, same as a parameter resolution error.
type ConditionEvaluationError struct {
	StepID string
	Err    error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("step %q: condition evaluation failed: %v", e.StepID, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }

// StepExecutionError wraps a failure reported by the action itself.
// Subject to the step's retry policy.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// SchedulerError is an internal orchestration fault, typically the
// persistence layer being unavailable. The affected execution is left as
// is for later reconciliation rather than force-failed.
type SchedulerError struct {
	Op  string
	Err error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler: %s: %v", e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }
