// Package engine schedules pipeline executions: it computes the ready set
// for each execution, dispatches steps on a bounded worker pool, applies
// failure policies, and folds external completion events and timeout
// sweeps back into execution state. All correctness-bearing transitions go
// through the store's conditional updates so multiple engine replicas can
// run against the same database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/action"
	"github.com/meridianhq/orchestrator/dag"
	"github.com/meridianhq/orchestrator/store"
)

const (
	defaultMaxParallel  = 8
	defaultEventTimeout = 30 * time.Minute
	sweepBatchSize      = 100
)

// Config tunes a single Engine instance.
type Config struct {
	// MaxParallelSteps bounds concurrently running step dispatches.
	MaxParallelSteps int
	// CallbackURL is handed to event-driven executors so the external
	// system knows where to deliver its completion callback.
	CallbackURL string
	Logger      *slog.Logger
	Notifier    Notifier
	Observer    Observer
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Engine is the execution scheduler.
type Engine struct {
	defs     store.DefinitionStore
	execs    store.ExecutionStore
	progress store.ProgressStore
	registry *action.Registry

	callbackURL string
	notifier    Notifier
	observer    Observer
	logger      *slog.Logger
	clock       func() time.Time
	sem         chan struct{}

	mu      sync.Mutex
	dirty   map[uuid.UUID]struct{}
	blocked map[uuid.UUID]struct{}
	graphs  map[graphKey]*dag.Graph
	wake    chan struct{}

	dispatches sync.WaitGroup
}

type graphKey struct {
	id      uuid.UUID
	version int
}

// New creates an Engine. The registry should be sealed before the engine
// starts dispatching.
func New(defs store.DefinitionStore, execs store.ExecutionStore, progress store.ProgressStore, registry *action.Registry, cfg Config) *Engine {
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = defaultMaxParallel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		defs:        defs,
		execs:       execs,
		progress:    progress,
		registry:    registry,
		callbackURL: cfg.CallbackURL,
		notifier:    cfg.Notifier,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		sem:         make(chan struct{}, cfg.MaxParallelSteps),
		dirty:       make(map[uuid.UUID]struct{}),
		blocked:     make(map[uuid.UUID]struct{}),
		graphs:      make(map[graphKey]*dag.Graph),
		wake:        make(chan struct{}, 1),
	}
}

// Signal marks an execution for reconciliation and wakes the loop.
func (e *Engine) Signal(id uuid.UUID) {
	e.mu.Lock()
	e.dirty[id] = struct{}{}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run consumes reconciliation signals until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		for {
			id, ok := e.popDirty()
			if !ok {
				break
			}
			e.reconcile(ctx, id)
		}
	}
}

func (e *Engine) popDirty() (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.dirty {
		delete(e.dirty, id)
		return id, true
	}
	return uuid.Nil, false
}

// acquireSlot tries to take a worker slot without blocking. When the pool
// is full the execution is parked and re-signalled on the next release.
func (e *Engine) acquireSlot(execID uuid.UUID) bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		e.mu.Lock()
		e.blocked[execID] = struct{}{}
		e.mu.Unlock()
		return false
	}
}

func (e *Engine) releaseSlot() {
	<-e.sem
	e.mu.Lock()
	for id := range e.blocked {
		delete(e.blocked, id)
		e.dirty[id] = struct{}{}
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// StartRequest describes a new execution.
type StartRequest struct {
	DefinitionID uuid.UUID      `json:"definition_id"`
	Version      int            `json:"version,omitempty"` // 0 = latest
	Params       map[string]any `json:"params,omitempty"`

	SubscriberIDs          []string   `json:"subscriber_ids,omitempty"`
	PayloadType            string     `json:"payload_type,omitempty"`
	NotificationWorkflowID *uuid.UUID `json:"notification_workflow_id,omitempty"`
}

// StartExecution validates the referenced definition, creates the
// execution with one step row per definition step, moves it to running,
// and signals the scheduler.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*store.PipelineExecution, error) {
	def, err := e.defs.GetDefinition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	g, err := e.graph(def)
	if err != nil {
		return nil, err
	}

	exec := &store.PipelineExecution{
		DefinitionID:           def.ID,
		DefinitionVersion:      def.Version,
		InputParams:            req.Params,
		SubscriberIDs:          req.SubscriberIDs,
		PayloadType:            req.PayloadType,
		NotificationWorkflowID: req.NotificationWorkflowID,
	}
	if err := e.execs.CreateExecution(ctx, exec); err != nil {
		return nil, &SchedulerError{Op: "create execution", Err: err}
	}
	for _, id := range g.TopologicalOrder() {
		sd, _ := def.Step(id)
		row := &store.StepExecution{
			ExecutionID: exec.ID,
			StepID:      sd.ID,
			ActionType:  sd.Action,
		}
		if err := e.execs.CreateStep(ctx, row); err != nil {
			return nil, &SchedulerError{Op: "create step", Err: err}
		}
	}
	if _, err := e.execs.TransitionExecution(ctx, exec.ID, []store.ExecutionStatus{store.ExecutionPending}, store.ExecutionRunning); err != nil {
		return nil, &SchedulerError{Op: "start execution", Err: err}
	}
	exec.Status = store.ExecutionRunning

	e.appendProgress(ctx, exec.ID, "execution_started", 0, "", nil)
	e.notifier.Publish(ctx, Transition{ExecutionID: exec.ID, Status: string(store.ExecutionRunning), At: e.clock()})
	e.logger.Info("execution started",
		"execution_id", exec.ID, "definition", def.Name, "version", def.Version, "steps", g.Len())

	e.Signal(exec.ID)
	return exec, nil
}

// Cancel requests cancellation of an execution. Pending steps are
// cancelled at the next reconcile; waiting steps get a best-effort
// cancellation call to the external system.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	ok, err := e.execs.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s: %w", id, store.ErrConflict)
	}
	e.logger.Info("cancellation requested", "execution_id", id)
	e.Signal(id)
	return nil
}

// graph compiles and caches the validated graph for a definition version.
func (e *Engine) graph(def *dag.Definition) (*dag.Graph, error) {
	key := graphKey{id: def.ID, version: def.Version}
	e.mu.Lock()
	g, ok := e.graphs[key]
	e.mu.Unlock()
	if ok {
		return g, nil
	}
	g, err := dag.Validate(def)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.graphs[key] = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) loadGraph(ctx context.Context, exec *store.PipelineExecution) (*dag.Graph, error) {
	def, err := e.defs.GetDefinition(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return e.graph(def)
}

// reconcile recomputes the ready set for one execution and dispatches as
// many ready steps as slots allow. It is the single place that decides
// skips, retry due times, cancellation fan-out, and terminal execution
// state.
func (e *Engine) reconcile(ctx context.Context, id uuid.UUID) {
	exec, err := e.execs.GetExecution(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("reconcile: load execution", "execution_id", id, "error", err)
		}
		return
	}
	if exec.Terminal() {
		return
	}
	g, err := e.loadGraph(ctx, exec)
	if err != nil {
		e.logger.Error("reconcile: load graph", "execution_id", id, "error", err)
		return
	}
	steps, err := e.execs.ListSteps(ctx, id)
	if err != nil {
		e.logger.Error("reconcile: list steps", "execution_id", id, "error", err)
		return
	}
	byID := make(map[string]*store.StepExecution, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}

	if exec.CancelRequested {
		e.cancelOutstanding(ctx, exec, byID)
	} else {
		e.dispatchReady(ctx, exec, g, byID)
	}

	e.finishIfDone(ctx, exec, byID)
}

func (e *Engine) dispatchReady(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, byID map[string]*store.StepExecution) {
	now := e.clock()
	outputs := completedOutputs(byID)

	for _, stepID := range g.TopologicalOrder() {
		row := byID[stepID]
		if row == nil {
			continue
		}
		sd, _ := g.Definition().Step(stepID)

		var ready bool
		var claimFrom store.StepStatus
		switch row.Status {
		case store.StepPending:
			blocked, doomed := upstreamState(g, byID, stepID)
			if doomed {
				if ok, _ := e.execs.ClaimStep(ctx, row.ID, []store.StepStatus{store.StepPending}, store.StepSkipped); ok {
					row.Status = store.StepSkipped
					e.stepTransitioned(ctx, exec, row, "step_skipped", "upstream step did not complete")
				}
				continue
			}
			if blocked {
				continue
			}
			ready, claimFrom = true, store.StepPending
		case store.StepRetrying:
			if row.NextAttemptAt == nil || !row.NextAttemptAt.After(now) {
				ready, claimFrom = true, store.StepRetrying
			} else {
				e.scheduleWakeup(exec.ID, row.NextAttemptAt.Sub(now))
			}
		default:
			continue
		}
		if !ready {
			continue
		}

		if !e.acquireSlot(exec.ID) {
			return
		}
		ok, err := e.execs.ClaimStep(ctx, row.ID, []store.StepStatus{claimFrom}, store.StepRunning)
		if err != nil || !ok {
			e.releaseSlot()
			if err != nil {
				e.logger.Error("claim step", "execution_id", exec.ID, "step", stepID, "error", err)
			}
			continue
		}
		row.Status = store.StepRunning
		e.observer.StepDispatched(sd.Action)
		e.dispatches.Add(1)
		go e.runStep(ctx, exec, g, sd, row, outputs)
	}
}

// upstreamState reports whether a step is still blocked on non-terminal
// dependencies, or doomed because an upstream step failed, timed out, was
// skipped, or was cancelled.
func upstreamState(g *dag.Graph, byID map[string]*store.StepExecution, stepID string) (blocked, doomed bool) {
	for _, dep := range g.Dependencies(stepID) {
		d := byID[dep]
		if d == nil {
			return true, false
		}
		switch d.Status {
		case store.StepCompleted:
		case store.StepFailed, store.StepSkipped, store.StepCancelled, store.StepTimeout:
			return false, true
		default:
			return true, false
		}
	}
	return false, false
}

func completedOutputs(byID map[string]*store.StepExecution) map[string]map[string]any {
	out := make(map[string]map[string]any, len(byID))
	for id, s := range byID {
		if s.Status == store.StepCompleted {
			out[id] = s.Outputs
		}
	}
	return out
}

// runStep executes one claimed step on the worker pool.
func (e *Engine) runStep(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, sd dag.StepDefinition, row *store.StepExecution, outputs map[string]map[string]any) {
	defer e.dispatches.Done()
	defer e.releaseSlot()

	// The claim may have raced a cancellation request.
	if fresh, err := e.execs.GetExecution(ctx, exec.ID); err == nil && (fresh.CancelRequested || fresh.Terminal()) {
		if ok, _ := e.execs.ClaimStep(ctx, row.ID, []store.StepStatus{store.StepRunning}, store.StepCancelled); ok {
			row.Status = store.StepCancelled
			e.stepTransitioned(ctx, exec, row, "step_cancelled", "")
		}
		e.Signal(exec.ID)
		return
	}

	e.stepTransitioned(ctx, exec, row, "step_started", "")

	if sd.Condition != "" {
		pass, err := e.evalCondition(sd, exec, outputs)
		if err != nil {
			e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, err, true, false)
			return
		}
		if !pass {
			if ok, _ := e.execs.ClaimStep(ctx, row.ID, []store.StepStatus{store.StepRunning}, store.StepSkipped); ok {
				row.Status = store.StepSkipped
				e.stepTransitioned(ctx, exec, row, "step_skipped", "condition evaluated false")
			}
			e.Signal(exec.ID)
			return
		}
	}

	params, err := resolveParams(sd.ID, sd.Params, outputs)
	if err != nil {
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, err, true, false)
		return
	}

	desc, err := e.registry.Lookup(sd.Action)
	if err != nil {
		// Without the action the step can never succeed; the retry
		// budget does not apply.
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, err, false, false)
		return
	}
	if err := action.ValidateAgainstSchema(desc.ParamSchema, params); err != nil {
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, err, true, false)
		return
	}
	if err := desc.Executor.ValidateParams(params); err != nil {
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, err, true, false)
		return
	}

	timeout := sd.Timeout()
	if timeout <= 0 {
		timeout = desc.DefaultTimeout
	}

	row.Params = params
	if err := e.execs.UpdateStep(ctx, row); err != nil {
		e.logger.Error("persist resolved params", "execution_id", exec.ID, "step", sd.ID, "error", err)
	}

	input := action.Input{
		ExecutionID: exec.ID.String(),
		StepID:      sd.ID,
		Params:      params,
		CallbackURL: e.callbackURL,
	}

	switch desc.Mode {
	case action.ModeEventDriven:
		e.runEventDriven(ctx, exec, g, sd, row, desc, input, timeout)
	default:
		e.runSync(ctx, exec, g, sd, row, desc, input, timeout)
	}
}

func (e *Engine) runSync(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, sd dag.StepDefinition, row *store.StepExecution, desc action.Descriptor, input action.Input, timeout time.Duration) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := desc.Executor.Execute(runCtx, input)
	if err != nil {
		status := store.StepFailed
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
			status = store.StepTimeout
		}
		e.concludeFailure(ctx, exec, g, sd, row, status, &StepExecutionError{StepID: sd.ID, Err: err}, true, false)
		return
	}

	now := e.clock()
	row.Status = store.StepCompleted
	if res != nil {
		row.Outputs = res.Outputs
	}
	row.ErrorMessage = ""
	row.CompletedAt = &now
	if err := e.execs.UpdateStep(ctx, row); err != nil {
		e.logger.Error("record step result", "execution_id", exec.ID, "step", sd.ID, "error", err)
		return
	}
	e.stepTransitioned(ctx, exec, row, "step_completed", "")
	e.observer.StepFinished(string(store.StepCompleted))
	e.Signal(exec.ID)
}

func (e *Engine) runEventDriven(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, sd dag.StepDefinition, row *store.StepExecution, desc action.Descriptor, input action.Input, timeout time.Duration) {
	res, err := desc.Executor.Execute(ctx, input)
	if err != nil {
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed, &StepExecutionError{StepID: sd.ID, Err: err}, true, false)
		return
	}
	if res == nil || res.ExternalWorkflowID == "" {
		e.concludeFailure(ctx, exec, g, sd, row, store.StepFailed,
			&StepExecutionError{StepID: sd.ID, Err: errors.New("event-driven action returned no correlation key")}, true, false)
		return
	}

	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	deadline := e.clock().Add(timeout)
	ok, err := e.execs.MarkStepWaiting(ctx, row.ID, res.ExternalWorkflowID, res.HandlerType, deadline)
	if err != nil || !ok {
		e.logger.Error("park step waiting", "execution_id", exec.ID, "step", sd.ID, "error", err)
		return
	}
	row.Status = store.StepWaiting
	row.AwaitingEvent = true
	row.ExternalWorkflowID = res.ExternalWorkflowID
	row.HandlerType = res.HandlerType
	row.TimeoutAt = &deadline
	e.stepTransitioned(ctx, exec, row, "step_waiting", "")
	e.logger.Info("step awaiting external event",
		"execution_id", exec.ID, "step", sd.ID, "correlation_key", res.ExternalWorkflowID, "timeout_at", deadline)
}

// evalCondition evaluates a step condition against the execution input
// params and the recorded upstream outputs.
func (e *Engine) evalCondition(sd dag.StepDefinition, exec *store.PipelineExecution, outputs map[string]map[string]any) (bool, error) {
	stepsEnv := make(map[string]any, len(outputs))
	for id, out := range outputs {
		stepsEnv[id] = map[string]any{"outputs": out}
	}
	env := map[string]any{
		"params": exec.InputParams,
		"steps":  stepsEnv,
	}
	out, err := expr.Eval(sd.Condition, env)
	if err != nil {
		return false, &ConditionEvaluationError{StepID: sd.ID, Err: err}
	}
	pass, ok := out.(bool)
	if !ok {
		return false, &ConditionEvaluationError{StepID: sd.ID, Err: fmt.Errorf("condition returned %T, want bool", out)}
	}
	return pass, nil
}

// concludeFailure applies the step's failure policy after an attempt
// failed with the given status. When resolved is true the step row has
// already been CAS-transitioned into failStatus (event routing and the
// timeout sweep do that); otherwise this writes the terminal state.
func (e *Engine) concludeFailure(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, sd dag.StepDefinition, row *store.StepExecution, failStatus store.StepStatus, cause error, retryable, resolved bool) {
	policy := sd.Policy()

	if retryable && policy == dag.FailureRetry && row.RetryCount < sd.Retry.MaxAttempts {
		e.scheduleRetry(ctx, exec, sd, row, cause)
		return
	}

	effective := policy
	if policy == dag.FailureRetry {
		effective = sd.ExhaustedPolicy()
	}

	if !resolved {
		now := e.clock()
		row.Status = failStatus
		row.ErrorMessage = cause.Error()
		row.CompletedAt = &now
		if err := e.execs.UpdateStep(ctx, row); err != nil {
			e.logger.Error("record step failure", "execution_id", exec.ID, "step", sd.ID, "error", err)
			return
		}
	} else {
		row.Status = failStatus
		row.ErrorMessage = cause.Error()
	}

	eventType := "step_failed"
	if failStatus == store.StepTimeout {
		eventType = "step_timeout"
	}
	e.stepTransitioned(ctx, exec, row, eventType, cause.Error())
	e.observer.StepFinished(string(failStatus))
	e.logger.Warn("step failed",
		"execution_id", exec.ID, "step", sd.ID, "status", failStatus, "policy", effective, "error", cause)

	if effective == dag.FailureFail {
		e.failExecution(ctx, exec, g, row.StepID, cause.Error(), failStatus)
		return
	}
	e.Signal(exec.ID)
}

// scheduleRetry requeues a failed step with exponential backoff.
func (e *Engine) scheduleRetry(ctx context.Context, exec *store.PipelineExecution, sd dag.StepDefinition, row *store.StepExecution, cause error) {
	row.RetryCount++
	delay := backoffDelay(sd.Retry.BackoffSeconds, row.RetryCount)
	next := e.clock().Add(delay)

	row.Status = store.StepRetrying
	row.ErrorMessage = cause.Error()
	row.NextAttemptAt = &next
	row.CompletedAt = nil
	row.AwaitingEvent = false
	row.ExternalWorkflowID = ""
	row.HandlerType = ""
	row.TimeoutAt = nil
	if err := e.execs.UpdateStep(ctx, row); err != nil {
		e.logger.Error("schedule retry", "execution_id", exec.ID, "step", sd.ID, "error", err)
		return
	}
	if err := e.execs.IncrementCounter(ctx, exec.ID, "step_retries", 1); err != nil {
		e.logger.Warn("increment retry counter", "execution_id", exec.ID, "error", err)
	}

	e.stepTransitioned(ctx, exec, row, "step_retrying", cause.Error())
	e.logger.Info("step retry scheduled",
		"execution_id", exec.ID, "step", sd.ID, "attempt", row.RetryCount, "max_attempts", sd.Retry.MaxAttempts, "next_attempt_at", next)

	e.scheduleWakeup(exec.ID, delay)
}

// backoffDelay grows exponentially with the retry count so successive
// attempts are strictly further apart.
func backoffDelay(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	d := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (e *Engine) scheduleWakeup(id uuid.UUID, after time.Duration) {
	if after < 0 {
		after = 0
	}
	time.AfterFunc(after+10*time.Millisecond, func() { e.Signal(id) })
}

// failExecution moves the execution to failed and halts outstanding work.
// The conditional update means exactly one caller wins when steps fail
// concurrently.
func (e *Engine) failExecution(ctx context.Context, exec *store.PipelineExecution, g *dag.Graph, failedStepID, errMsg string, stepStatus store.StepStatus) {
	to := store.ExecutionFailed
	eventType := "execution_failed"
	if stepStatus == store.StepTimeout {
		to = store.ExecutionTimeout
		eventType = "execution_timeout"
	}
	ok, err := e.execs.FinishExecution(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionPending, store.ExecutionRunning}, to,
		nil, failedStepID, errMsg, e.clock())
	if err != nil {
		e.logger.Error("fail execution", "execution_id", exec.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	exec.Status = to
	e.observer.ExecutionFinished(string(to))
	e.appendProgress(ctx, exec.ID, eventType, -1, failedStepID, map[string]any{"error": errMsg})
	e.notifier.Publish(ctx, Transition{ExecutionID: exec.ID, Status: string(to), ErrorMessage: errMsg, At: e.clock()})
	e.logger.Warn("execution failed", "execution_id", exec.ID, "failed_step", failedStepID, "status", to)

	e.haltOutstanding(ctx, exec)
}

// haltOutstanding skips pending steps and cancels waiting ones after the
// execution reached a terminal state.
func (e *Engine) haltOutstanding(ctx context.Context, exec *store.PipelineExecution) {
	steps, err := e.execs.ListSteps(ctx, exec.ID)
	if err != nil {
		e.logger.Error("halt outstanding: list steps", "execution_id", exec.ID, "error", err)
		return
	}
	for _, s := range steps {
		switch s.Status {
		case store.StepPending, store.StepRetrying:
			if ok, _ := e.execs.ClaimStep(ctx, s.ID, []store.StepStatus{s.Status}, store.StepSkipped); ok {
				s.Status = store.StepSkipped
				e.stepTransitioned(ctx, exec, s, "step_skipped", "")
			}
		case store.StepWaiting:
			e.cancelWaitingStep(ctx, exec, s)
		}
	}
}

// cancelOutstanding drives cancellation fan-out once CancelRequested is
// set: pending and retrying steps are cancelled locally, waiting steps
// additionally get a best-effort external cancellation.
func (e *Engine) cancelOutstanding(ctx context.Context, exec *store.PipelineExecution, byID map[string]*store.StepExecution) {
	for _, s := range byID {
		switch s.Status {
		case store.StepPending, store.StepRetrying:
			if ok, _ := e.execs.ClaimStep(ctx, s.ID, []store.StepStatus{s.Status}, store.StepCancelled); ok {
				s.Status = store.StepCancelled
				e.stepTransitioned(ctx, exec, s, "step_cancelled", "")
			}
		case store.StepWaiting:
			if e.cancelWaitingStep(ctx, exec, s) {
				s.Status = store.StepCancelled
			}
		}
	}
}

// cancelWaitingStep resolves a waiting step to cancelled and notifies the
// external system. The local transition stands regardless of whether the
// external system acknowledges.
func (e *Engine) cancelWaitingStep(ctx context.Context, exec *store.PipelineExecution, s *store.StepExecution) bool {
	ok, err := e.execs.ResolveAwaitingStep(ctx, s.ID, store.StepCancelled, nil, "execution cancelled")
	if err != nil {
		e.logger.Error("cancel waiting step", "execution_id", exec.ID, "step", s.StepID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	e.stepTransitioned(ctx, exec, s, "step_cancelled", "")

	desc, err := e.registry.Lookup(s.ActionType)
	if err != nil {
		return true
	}
	if c, canCancel := desc.Executor.(action.Canceller); canCancel {
		if err := c.CancelExternal(ctx, s.ExternalWorkflowID); err != nil {
			e.logger.Warn("external cancellation failed",
				"execution_id", exec.ID, "step", s.StepID, "correlation_key", s.ExternalWorkflowID, "error", err)
		}
	}
	return true
}

// finishIfDone moves the execution to its terminal state once every step
// is terminal. Fail-policy failures finish the execution eagerly in
// failExecution; everything else lands here.
func (e *Engine) finishIfDone(ctx context.Context, exec *store.PipelineExecution, byID map[string]*store.StepExecution) {
	var cancelled bool
	for _, s := range byID {
		if !s.Terminal() {
			return
		}
		if s.Status == store.StepCancelled {
			cancelled = true
		}
	}

	to := store.ExecutionCompleted
	eventType := "execution_completed"
	if cancelled || exec.CancelRequested {
		to = store.ExecutionCancelled
		eventType = "execution_cancelled"
	}

	outputs := make(map[string]any, len(byID))
	for id, s := range byID {
		if s.Status == store.StepCompleted && len(s.Outputs) > 0 {
			outputs[id] = s.Outputs
		}
	}

	ok, err := e.execs.FinishExecution(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionPending, store.ExecutionRunning}, to,
		outputs, "", "", e.clock())
	if err != nil {
		e.logger.Error("finish execution", "execution_id", exec.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	exec.Status = to
	e.observer.ExecutionFinished(string(to))
	e.appendProgress(ctx, exec.ID, eventType, 100, "", nil)
	e.notifier.Publish(ctx, Transition{ExecutionID: exec.ID, Status: string(to), At: e.clock()})
	e.logger.Info("execution finished", "execution_id", exec.ID, "status", to)
}

// stepTransitioned records a progress event and fans the transition out to
// subscribers.
func (e *Engine) stepTransitioned(ctx context.Context, exec *store.PipelineExecution, s *store.StepExecution, eventType, detail string) {
	var details map[string]any
	if detail != "" {
		details = map[string]any{"detail": detail}
	}
	e.appendProgress(ctx, exec.ID, eventType, -1, s.StepID, details)
	e.notifier.Publish(ctx, Transition{
		ExecutionID:  exec.ID,
		StepID:       s.StepID,
		Status:       string(s.Status),
		ErrorMessage: s.ErrorMessage,
		At:           e.clock(),
	})
}

// appendProgress writes an append-only progress event. percent < 0 means
// "derive from step completion counts".
func (e *Engine) appendProgress(ctx context.Context, execID uuid.UUID, eventType string, percent float64, currentStep string, details map[string]any) {
	if percent < 0 {
		percent = e.completionPercent(ctx, execID)
	}
	ev := &store.ProgressEvent{
		ExecutionID:     execID,
		EventType:       eventType,
		ProgressPercent: percent,
		CurrentStep:     currentStep,
	}
	if details != nil {
		if raw, err := jsonMarshal(details); err == nil {
			ev.Details = raw
		}
	}
	if err := e.progress.AppendProgress(ctx, ev); err != nil {
		e.logger.Warn("append progress", "execution_id", execID, "event_type", eventType, "error", err)
	}
}

func (e *Engine) completionPercent(ctx context.Context, execID uuid.UUID) float64 {
	steps, err := e.execs.ListSteps(ctx, execID)
	if err != nil || len(steps) == 0 {
		return 0
	}
	var terminal int
	for _, s := range steps {
		if s.Terminal() {
			terminal++
		}
	}
	return float64(terminal) / float64(len(steps)) * 100
}
