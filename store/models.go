// Package store is the persistence layer for the orchestration engine.
// It is the only package with direct store access; every state transition
// that matters for correctness is expressed as a single conditional update
// so concurrent engine replicas race safely.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pagination holds common pagination parameters.
type Pagination struct {
	Offset int
	Limit  int
}

// DefaultPagination returns a Pagination with sensible defaults.
func DefaultPagination() Pagination {
	return Pagination{Offset: 0, Limit: 50}
}

// ExecutionStatus represents the status of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// TerminalExecutionStatuses is the set of statuses an execution never
// leaves.
var TerminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionCompleted: true,
	ExecutionFailed:    true,
	ExecutionCancelled: true,
	ExecutionTimeout:   true,
}

// executionTransitions encodes the monotonic status machine.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionCancelled, ExecutionFailed},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout},
}

// CanTransitionExecution reports whether from -> to is a legal execution
// status transition.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, t := range executionTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StepStatus represents the status of a step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetrying  StepStatus = "retrying"
	StepCancelled StepStatus = "cancelled"
	StepTimeout   StepStatus = "timeout"
)

// TerminalStepStatuses is the set of statuses a step never leaves.
var TerminalStepStatuses = map[StepStatus]bool{
	StepCompleted: true,
	StepFailed:    true,
	StepSkipped:   true,
	StepCancelled: true,
	StepTimeout:   true,
}

// DeliveryStatus represents the state of an execution subscription.
// Values are canonically lowercase and validated in code, not left to
// database constraints.
type DeliveryStatus string

const (
	DeliveryActive  DeliveryStatus = "active"
	DeliveryExpired DeliveryStatus = "expired"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ValidDeliveryStatuses is the set of accepted delivery status values.
var ValidDeliveryStatuses = map[DeliveryStatus]bool{
	DeliveryActive:  true,
	DeliveryExpired: true,
	DeliveryFailed:  true,
}

// PipelineExecution is one run of a pipeline definition.
type PipelineExecution struct {
	ID                uuid.UUID       `json:"id"`
	DefinitionID      uuid.UUID       `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version"`
	Status            ExecutionStatus `json:"status"`
	InputParams       map[string]any  `json:"input_params,omitempty"`
	Outputs           map[string]any  `json:"outputs,omitempty"`
	// Counters holds execution-scoped counters (retry totals, routed
	// events, continuation iterations) persisted with the execution
	// instead of living in process memory.
	Counters     map[string]int64 `json:"counters,omitempty"`
	FailedStepID string           `json:"failed_step_id,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`

	// Notification routing.
	SubscriberIDs          []string   `json:"subscriber_ids,omitempty"`
	PayloadType            string     `json:"payload_type,omitempty"`
	NotificationWorkflowID *uuid.UUID `json:"notification_workflow_id,omitempty"`

	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Stale marks a read served from the fallback cache while the
	// backing store is unavailable.
	Stale bool `json:"stale,omitempty"`
}

// Terminal reports whether the execution is in a terminal status.
func (e *PipelineExecution) Terminal() bool {
	return TerminalExecutionStatuses[e.Status]
}

// StepExecution is the per-(execution, step) state record.
type StepExecution struct {
	ID          uuid.UUID  `json:"id"`
	ExecutionID uuid.UUID  `json:"execution_id"`
	StepID      string     `json:"step_id"`
	ActionType  string     `json:"action_type"`
	Status      StepStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`

	// Event-driven suspension. When AwaitingEvent is true the step is in
	// waiting or running, and ExternalWorkflowID, HandlerType and
	// TimeoutAt are all set.
	AwaitingEvent      bool       `json:"awaiting_event"`
	ExternalWorkflowID string     `json:"external_workflow_id,omitempty"`
	HandlerType        string     `json:"handler_type,omitempty"`
	TimeoutAt          *time.Time `json:"timeout_at,omitempty"`

	// NextAttemptAt gates re-dispatch of a retrying step.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Params       map[string]any `json:"params,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the step is in a terminal status.
func (s *StepExecution) Terminal() bool {
	return TerminalStepStatuses[s.Status]
}

// ProgressEvent is an append-only, write-once progress record ordered by
// SequenceNumber within its execution.
type ProgressEvent struct {
	ID              int64           `json:"id"`
	ExecutionID     uuid.UUID       `json:"execution_id"`
	SequenceNumber  int64           `json:"sequence_number"`
	EventType       string          `json:"event_type"`
	ProgressPercent float64         `json:"progress_percent"`
	ETASeconds      *int            `json:"eta_seconds,omitempty"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExecutionSubscription registers interest in an execution's status
// changes, delivered to a callback topic.
type ExecutionSubscription struct {
	ID             uuid.UUID      `json:"id"`
	ExecutionID    uuid.UUID      `json:"execution_id"`
	CallbackTopic  string         `json:"callback_topic"`
	SubscribedAt   time.Time      `json:"subscribed_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// Expired reports whether the subscription's expiry time has passed.
func (s *ExecutionSubscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// ScheduleKind distinguishes the time-based trigger kinds.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOneTime  ScheduleKind = "one_time"
)

// TriggerSchedule is a time-based trigger producing new executions.
type TriggerSchedule struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Kind            ScheduleKind   `json:"kind"`
	CronExpr        string         `json:"cron_expr,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	FireAt          *time.Time     `json:"fire_at,omitempty"`
	DefinitionID    uuid.UUID      `json:"definition_id"`
	Params          map[string]any `json:"params,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastFiredAt     *time.Time     `json:"last_fired_at,omitempty"`
	NextFireAt      *time.Time     `json:"next_fire_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// WebhookTrigger starts an execution from an inbound HTTP call, optionally
// validated with an HMAC signature secret.
type WebhookTrigger struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Token        string         `json:"token"`
	Secret       string         `json:"-"`
	DefinitionID uuid.UUID      `json:"definition_id"`
	Params       map[string]any `json:"params,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EventTrigger starts an execution when an inbound pub/sub message on
// Topic satisfies the Pattern predicate.
type EventTrigger struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Topic        string         `json:"topic"`
	Pattern      string         `json:"pattern"`
	DefinitionID uuid.UUID      `json:"definition_id"`
	Params       map[string]any `json:"params,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
