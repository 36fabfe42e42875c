package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transition is a status-change notification fanned out to execution
// subscribers. StepID is empty for execution-level transitions.
type Transition struct {
	ExecutionID  uuid.UUID `json:"execution_id"`
	StepID       string    `json:"step_id,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier receives every step and execution transition. Implementations
// must not block the scheduler; delivery is fire-and-forget.
type Notifier interface {
	Publish(ctx context.Context, t Transition)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, Transition) {}

// Observer receives scheduler counters. The metrics package provides the
// Prometheus-backed implementation.
type Observer interface {
	ExecutionFinished(status string)
	StepDispatched(actionType string)
	StepFinished(status string)
	EventRouted(outcome string)
	SweepTimeout()
}

type nopObserver struct{}

func (nopObserver) ExecutionFinished(string) {}
func (nopObserver) StepDispatched(string)    {}
func (nopObserver) StepFinished(string)      {}
func (nopObserver) EventRouted(string)       {}
func (nopObserver) SweepTimeout()            {}
