package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/dag"
)

// --- Definitions ---

// DefinitionStore persists immutable pipeline definitions. A changed
// definition is stored as a new version.
type DefinitionStore interface {
	// CreateDefinition stores a definition, assigning an ID when unset
	// and the next version number for its ID.
	CreateDefinition(ctx context.Context, def *dag.Definition) error
	// GetDefinition retrieves a definition; version 0 means latest.
	GetDefinition(ctx context.Context, id uuid.UUID, version int) (*dag.Definition, error)
	// ListDefinitions returns the latest version of each definition.
	ListDefinitions(ctx context.Context, p Pagination) ([]*dag.Definition, error)
}

// --- Executions ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	DefinitionID *uuid.UUID
	Status       ExecutionStatus
	Since        *time.Time
	Until        *time.Time
	Pagination   Pagination
}

// ExecutionStore persists executions and their steps. Conditional methods
// return (false, nil) when the guard did not match, so callers can
// distinguish a lost race from a store failure.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *PipelineExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*PipelineExecution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*PipelineExecution, error)
	// TransitionExecution moves an execution from one of the given
	// statuses to the target status in a single conditional update.
	TransitionExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus) (bool, error)
	// FinishExecution conditionally transitions into a terminal status
	// and records outputs, the failing step, and the completion time.
	FinishExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus, outputs map[string]any, failedStepID, errMsg string, completedAt time.Time) (bool, error)
	// RequestCancel sets the cancellation flag checked by the scheduler.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	// IncrementCounter adds delta to a named execution-scoped counter.
	IncrementCounter(ctx context.Context, id uuid.UUID, name string, delta int64) error
	// DeleteExecutionsBefore removes terminal executions older than the
	// cutoff (retention cleanup). Returns the number removed.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateStep(ctx context.Context, s *StepExecution) error
	GetStep(ctx context.Context, id uuid.UUID) (*StepExecution, error)
	ListSteps(ctx context.Context, executionID uuid.UUID) ([]*StepExecution, error)
	// ClaimStep atomically moves a step from one of the given statuses to
	// the target status; at most one caller wins. Claiming into running
	// records the start time.
	ClaimStep(ctx context.Context, id uuid.UUID, from []StepStatus, to StepStatus) (bool, error)
	// UpdateStep writes the mutable step fields. Only the dispatcher that
	// won the claim may call it.
	UpdateStep(ctx context.Context, s *StepExecution) error
	// MarkStepWaiting parks a running step awaiting an external event,
	// recording the correlation key, routing key, and deadline.
	MarkStepWaiting(ctx context.Context, id uuid.UUID, externalWorkflowID, handlerType string, timeoutAt time.Time) (bool, error)
	// ResolveAwaitingStep transitions a step out of awaiting_event into a
	// terminal or retrying status. The compare-and-swap on awaiting_event
	// guarantees at most one winner across replicas.
	ResolveAwaitingStep(ctx context.Context, id uuid.UUID, to StepStatus, outputs map[string]any, errMsg string) (bool, error)
	// FindStepByCorrelation locates the step awaiting the given
	// correlation key. handlerType narrows the match when non-empty.
	FindStepByCorrelation(ctx context.Context, externalWorkflowID, handlerType string) (*StepExecution, error)
	// ListExpiredWaitingSteps returns steps with awaiting_event set whose
	// deadline has passed, for the timeout sweep.
	ListExpiredWaitingSteps(ctx context.Context, now time.Time, limit int) ([]*StepExecution, error)
}

// --- Progress ---

// ProgressFilter specifies criteria for listing progress events.
type ProgressFilter struct {
	ExecutionID uuid.UUID
	EventType   string
	Since       *time.Time
	Until       *time.Time
	Pagination  Pagination
}

// ProgressStore persists the append-only progress stream.
type ProgressStore interface {
	// AppendProgress stores an event, assigning the next sequence number
	// for its execution. Events are write-once.
	AppendProgress(ctx context.Context, ev *ProgressEvent) error
	// ListProgress returns events matching the filter, newest first.
	ListProgress(ctx context.Context, f ProgressFilter) ([]*ProgressEvent, error)
}

// --- Subscriptions ---

// SubscriptionStore persists execution subscriptions.
type SubscriptionStore interface {
	// CreateSubscription stores a subscription; (execution, topic) is
	// unique and violations return ErrDuplicate.
	CreateSubscription(ctx context.Context, s *ExecutionSubscription) error
	ListSubscriptions(ctx context.Context, executionID uuid.UUID) ([]*ExecutionSubscription, error)
	// SetDeliveryStatus conditionally moves a subscription between
	// delivery statuses.
	SetDeliveryStatus(ctx context.Context, id uuid.UUID, from []DeliveryStatus, to DeliveryStatus, reason string) (bool, error)
}

// --- Triggers ---

// ScheduleFilter specifies criteria for listing trigger schedules.
type ScheduleFilter struct {
	Kind       ScheduleKind
	Enabled    *bool
	Pagination Pagination
}

// TriggerStore persists trigger schedules, webhook registrations, and
// event trigger patterns.
type TriggerStore interface {
	CreateSchedule(ctx context.Context, s *TriggerSchedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*TriggerSchedule, error)
	UpdateSchedule(ctx context.Context, s *TriggerSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*TriggerSchedule, error)
	// ListDueSchedules returns enabled schedules whose next fire time is
	// at or before now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*TriggerSchedule, error)
	// ClaimDue consumes one due occurrence: the conditional update on
	// next_fire_at ensures each occurrence fires exactly once even with
	// overlapping poll windows across replicas.
	ClaimDue(ctx context.Context, id uuid.UUID, due time.Time, firedAt time.Time, next *time.Time) (bool, error)

	CreateWebhook(ctx context.Context, w *WebhookTrigger) error
	GetWebhookByToken(ctx context.Context, token string) (*WebhookTrigger, error)
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	ListWebhooks(ctx context.Context, p Pagination) ([]*WebhookTrigger, error)

	CreateEventTrigger(ctx context.Context, t *EventTrigger) error
	DeleteEventTrigger(ctx context.Context, id uuid.UUID) error
	ListEventTriggers(ctx context.Context, p Pagination) ([]*EventTrigger, error)
}
