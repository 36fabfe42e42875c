package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhq/orchestrator/store"
)

// RouteEvent delivers an external completion or failure event to the step
// waiting on the given correlation key. Unknown or already-resolved keys
// are logged and dropped; routing is idempotent and concurrent calls for
// the same key produce exactly one state transition.
func (e *Engine) RouteEvent(ctx context.Context, correlationKey, handlerType string, success bool, outputs map[string]any, errMsg string) error {
	row, err := e.execs.FindStepByCorrelation(ctx, correlationKey, handlerType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Info("event for unknown correlation key dropped",
				"correlation_key", correlationKey, "handler_type", handlerType)
			e.observer.EventRouted("dropped")
			return nil
		}
		return &SchedulerError{Op: "find step by correlation", Err: err}
	}

	if success {
		ok, err := e.execs.ResolveAwaitingStep(ctx, row.ID, store.StepCompleted, outputs, "")
		if err != nil {
			return &SchedulerError{Op: "resolve awaiting step", Err: err}
		}
		if !ok {
			e.observer.EventRouted("dropped")
			return nil
		}
		row.Status = store.StepCompleted
		row.Outputs = outputs
		e.stepTransitioned(ctx, &store.PipelineExecution{ID: row.ExecutionID}, row, "step_completed", "")
		e.observer.StepFinished(string(store.StepCompleted))
		e.observer.EventRouted("completed")
		e.countRoutedEvent(ctx, row)
		e.Signal(row.ExecutionID)
		return nil
	}

	if errMsg == "" {
		errMsg = "external system reported failure"
	}
	ok, err := e.execs.ResolveAwaitingStep(ctx, row.ID, store.StepFailed, outputs, errMsg)
	if err != nil {
		return &SchedulerError{Op: "resolve awaiting step", Err: err}
	}
	if !ok {
		e.observer.EventRouted("dropped")
		return nil
	}
	e.observer.EventRouted("failed")
	e.countRoutedEvent(ctx, row)
	e.applyResolvedFailure(ctx, row, store.StepFailed, errMsg)
	return nil
}

func (e *Engine) countRoutedEvent(ctx context.Context, row *store.StepExecution) {
	if err := e.execs.IncrementCounter(ctx, row.ExecutionID, "events_routed", 1); err != nil {
		e.logger.Warn("increment routed events counter", "execution_id", row.ExecutionID, "error", err)
	}
}

// applyResolvedFailure applies the failure policy for a step whose
// awaiting_event transition already happened via compare-and-swap. Only
// the caller that won that transition gets here.
func (e *Engine) applyResolvedFailure(ctx context.Context, row *store.StepExecution, status store.StepStatus, errMsg string) {
	exec, err := e.execs.GetExecution(ctx, row.ExecutionID)
	if err != nil {
		e.logger.Error("load execution for failure policy", "execution_id", row.ExecutionID, "error", err)
		e.Signal(row.ExecutionID)
		return
	}
	g, err := e.loadGraph(ctx, exec)
	if err != nil {
		e.logger.Error("load graph for failure policy", "execution_id", row.ExecutionID, "error", err)
		e.Signal(row.ExecutionID)
		return
	}
	sd, ok := g.Definition().Step(row.StepID)
	if !ok {
		e.Signal(row.ExecutionID)
		return
	}
	cause := &StepExecutionError{StepID: row.StepID, Err: errors.New(errMsg)}
	e.concludeFailure(ctx, exec, g, sd, row, status, cause, true, true)
}

// SweepTimeouts transitions every step whose event deadline has passed to
// timeout status, applies its failure policy, and re-signals the owning
// execution. Returns the number of steps this call transitioned. The
// conditional resolve makes the sweep safe to run from multiple replicas
// at once.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	now := e.clock()
	expired, err := e.execs.ListExpiredWaitingSteps(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, &SchedulerError{Op: "list expired waiting steps", Err: err}
	}

	var swept int
	for _, row := range expired {
		msg := fmt.Sprintf("timed out waiting for external event after deadline %s", formatDeadline(row))
		ok, err := e.execs.ResolveAwaitingStep(ctx, row.ID, store.StepTimeout, nil, msg)
		if err != nil {
			e.logger.Error("sweep: resolve step", "step_execution_id", row.ID, "error", err)
			continue
		}
		if !ok {
			// Another replica won, or the event arrived first.
			continue
		}
		swept++
		e.observer.SweepTimeout()
		e.logger.Warn("step timed out",
			"execution_id", row.ExecutionID, "step", row.StepID, "correlation_key", row.ExternalWorkflowID)
		e.applyResolvedFailure(ctx, row, store.StepTimeout, msg)
	}
	return swept, nil
}

func formatDeadline(row *store.StepExecution) string {
	if row.TimeoutAt == nil {
		return "unknown"
	}
	return row.TimeoutAt.UTC().Format(time.RFC3339)
}

// StartSweeper runs the timeout sweep on a fixed interval until the
// context is cancelled. Timeout detection latency is bounded by this
// interval.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := e.SweepTimeouts(ctx); err != nil {
					e.logger.Error("timeout sweep failed", "error", err)
				} else if n > 0 {
					e.logger.Info("timeout sweep", "transitioned", n)
				}
			}
		}
	}()
}

// StartRetention periodically removes terminal executions older than
// maxAge, along with their steps and progress events.
func (e *Engine) StartRetention(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.execs.DeleteExecutionsBefore(ctx, e.clock().Add(-maxAge))
				if err != nil {
					e.logger.Error("retention cleanup failed", "error", err)
				} else if n > 0 {
					e.logger.Info("retention cleanup", "removed", n)
				}
			}
		}
	}()
}

func jsonMarshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
