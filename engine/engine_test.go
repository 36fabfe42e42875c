package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/orchestrator/action"
	"github.com/meridianhq/orchestrator/dag"
	"github.com/meridianhq/orchestrator/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scripted is a test executor driven by a function.
type scripted struct {
	mu        sync.Mutex
	calls     []string
	execute   func(ctx context.Context, in action.Input) (*action.Result, error)
	cancelled []string
}

func (s *scripted) ValidateParams(map[string]any) error { return nil }

func (s *scripted) Execute(ctx context.Context, in action.Input) (*action.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in.StepID)
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, in)
	}
	return &action.Result{Outputs: map[string]any{"ok": true}}, nil
}

func (s *scripted) CancelExternal(_ context.Context, externalWorkflowID string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, externalWorkflowID)
	s.mu.Unlock()
	return nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scripted) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fixture struct {
	store *store.MemoryStore
	eng   *Engine
	clk   *fakeClock
}

func newFixture(t *testing.T, reg *action.Registry) *fixture {
	t.Helper()
	m := store.NewMemoryStore()
	clk := newFakeClock()
	eng := New(m, m, m, reg, Config{
		MaxParallelSteps: 4,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:            clk.Now,
	})
	return &fixture{store: m, eng: eng, clk: clk}
}

// settle drains reconciliation work until the engine is quiescent.
func (f *fixture) settle(ctx context.Context) {
	for i := 0; i < 100; i++ {
		id, ok := f.eng.popDirty()
		if !ok {
			f.eng.dispatches.Wait()
			id, ok = f.eng.popDirty()
			if !ok {
				return
			}
		}
		f.eng.reconcile(ctx, id)
	}
}

func (f *fixture) register(t *testing.T, def *dag.Definition) *dag.Definition {
	t.Helper()
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))
	return def
}

func (f *fixture) start(t *testing.T, def *dag.Definition, params map[string]any) *store.PipelineExecution {
	t.Helper()
	exec, err := f.eng.StartExecution(context.Background(), StartRequest{DefinitionID: def.ID, Params: params})
	require.NoError(t, err)
	return exec
}

func syncRegistry(t *testing.T, execs map[string]*scripted) *action.Registry {
	t.Helper()
	reg := action.NewRegistry()
	for name, ex := range execs {
		require.NoError(t, reg.Register(action.Descriptor{
			Type:           name,
			Mode:           action.ModeSync,
			DefaultTimeout: time.Minute,
			Executor:       ex,
		}))
	}
	reg.Seal()
	return reg
}

func stepStatuses(t *testing.T, m *store.MemoryStore, execID uuid.UUID) map[string]store.StepStatus {
	t.Helper()
	steps, err := m.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	out := make(map[string]store.StepStatus, len(steps))
	for _, s := range steps {
		out[s.StepID] = s.Status
	}
	return out
}

func TestEngine_LinearPipelineCompletes(t *testing.T) {
	ctx := context.Background()
	work := &scripted{execute: func(_ context.Context, in action.Input) (*action.Result, error) {
		return &action.Result{Outputs: map[string]any{"step": in.StepID}}, nil
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"work": work}))

	def := f.register(t, &dag.Definition{Name: "linear", Steps: []dag.StepDefinition{
		{ID: "a", Action: "work"},
		{ID: "b", Action: "work", DependsOn: []string{"a"}},
		{ID: "c", Action: "work", DependsOn: []string{"b"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"a", "b", "c"}, work.callOrder(), "dispatch respects dependency order")

	statuses := stepStatuses(t, f.store, exec.ID)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, store.StepCompleted, statuses[id])
	}
	assert.Contains(t, got.Outputs, "c")

	events, err := f.store.ListProgress(ctx, store.ProgressFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "execution_completed", events[0].EventType)
	assert.Equal(t, float64(100), events[0].ProgressPercent)
}

func TestEngine_ContinuePolicySkipsDependents(t *testing.T) {
	ctx := context.Background()
	ok := &scripted{}
	bad := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return nil, errors.New("deploy rejected")
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"ok": ok, "bad": bad}))

	def := f.register(t, &dag.Definition{Name: "branchy", Steps: []dag.StepDefinition{
		{ID: "a", Action: "ok"},
		{ID: "b", Action: "bad", DependsOn: []string{"a"}, OnFailure: dag.FailureContinue},
		{ID: "c", Action: "ok", DependsOn: []string{"b"}},
		{ID: "d", Action: "ok", DependsOn: []string{"a"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepCompleted, statuses["a"])
	assert.Equal(t, store.StepFailed, statuses["b"])
	assert.Equal(t, store.StepSkipped, statuses["c"], "dependent of a failed continue step is skipped")
	assert.Equal(t, store.StepCompleted, statuses["d"], "independent branch proceeds")

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status)

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.StepID == "b" {
			assert.Contains(t, s.ErrorMessage, "deploy rejected")
		}
	}
}

func TestEngine_FailPolicyFailsExecution(t *testing.T) {
	ctx := context.Background()
	ok := &scripted{}
	bad := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return nil, errors.New("boom")
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"ok": ok, "bad": bad}))

	def := f.register(t, &dag.Definition{Name: "strict", Steps: []dag.StepDefinition{
		{ID: "a", Action: "ok"},
		{ID: "b", Action: "bad", DependsOn: []string{"a"}},
		{ID: "c", Action: "ok", DependsOn: []string{"b"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, got.Status)
	assert.Equal(t, "b", got.FailedStepID)
	assert.Contains(t, got.ErrorMessage, "boom")

	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepFailed, statuses["b"])
	assert.Equal(t, store.StepSkipped, statuses["c"])
}

func TestEngine_RetryBackoffAndExhaustion(t *testing.T) {
	ctx := context.Background()
	bad := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return nil, errors.New("transient")
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"bad": bad}))

	def := f.register(t, &dag.Definition{Name: "retrier", Steps: []dag.StepDefinition{
		{ID: "flaky", Action: "bad", OnFailure: dag.FailureRetry,
			Retry: dag.RetryPolicy{MaxAttempts: 2, BackoffSeconds: 1}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	row := steps[0]
	assert.Equal(t, store.StepRetrying, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextAttemptAt)
	firstDelay := row.NextAttemptAt.Sub(f.clk.Now())
	assert.Equal(t, time.Second, firstDelay)
	assert.Equal(t, 1, bad.callCount())

	// Not yet due; the scheduler must not re-dispatch early.
	f.eng.Signal(exec.ID)
	f.settle(ctx)
	assert.Equal(t, 1, bad.callCount())

	f.clk.Advance(1100 * time.Millisecond)
	f.eng.Signal(exec.ID)
	f.settle(ctx)

	steps, err = f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	row = steps[0]
	assert.Equal(t, 2, row.RetryCount)
	require.NotNil(t, row.NextAttemptAt)
	secondDelay := row.NextAttemptAt.Sub(f.clk.Now())
	assert.Equal(t, 2*time.Second, secondDelay, "backoff strictly increases")
	assert.Equal(t, 2, bad.callCount())

	f.clk.Advance(2100 * time.Millisecond)
	f.eng.Signal(exec.ID)
	f.settle(ctx)

	// max_attempts=2 means 3 dispatches total, then exhaustion.
	assert.Equal(t, 3, bad.callCount())
	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, got.Status)
	assert.Equal(t, "flaky", got.FailedStepID)
	assert.Equal(t, int64(2), got.Counters["step_retries"])
}

func TestEngine_RetryExhaustionContinues(t *testing.T) {
	ctx := context.Background()
	ok := &scripted{}
	bad := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return nil, errors.New("transient")
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"ok": ok, "bad": bad}))

	def := f.register(t, &dag.Definition{Name: "retrier", Steps: []dag.StepDefinition{
		{ID: "flaky", Action: "bad", OnFailure: dag.FailureRetry,
			Retry: dag.RetryPolicy{MaxAttempts: 1, BackoffSeconds: 1, OnExhausted: dag.FailureContinue}},
		{ID: "other", Action: "ok"},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)
	f.clk.Advance(1100 * time.Millisecond)
	f.eng.Signal(exec.ID)
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status, "on_exhausted=continue keeps the execution alive")
	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepFailed, statuses["flaky"])
	assert.Equal(t, store.StepCompleted, statuses["other"])
}

func eventRegistry(t *testing.T, execs map[string]*scripted, eventTypes map[string]bool) *action.Registry {
	t.Helper()
	reg := action.NewRegistry()
	for name, ex := range execs {
		mode := action.ModeSync
		if eventTypes[name] {
			mode = action.ModeEventDriven
		}
		require.NoError(t, reg.Register(action.Descriptor{
			Type:           name,
			Mode:           mode,
			DefaultTimeout: time.Minute,
			Executor:       ex,
		}))
	}
	reg.Seal()
	return reg
}

func TestEngine_EventDrivenRouteEvent(t *testing.T) {
	ctx := context.Background()
	external := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return &action.Result{ExternalWorkflowID: "ext-1", HandlerType: "helm"}, nil
	}}
	follow := &scripted{execute: func(_ context.Context, in action.Input) (*action.Result, error) {
		return &action.Result{Outputs: map[string]any{"url": in.Params["url"]}}, nil
	}}
	f := newFixture(t, eventRegistry(t,
		map[string]*scripted{"external": external, "follow": follow},
		map[string]bool{"external": true}))

	def := f.register(t, &dag.Definition{Name: "deploy", Steps: []dag.StepDefinition{
		{ID: "wait", Action: "external", TimeoutSeconds: 300},
		{ID: "after", Action: "follow", DependsOn: []string{"wait"},
			Params: map[string]any{"url": "${steps.wait.outputs.url}"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepWaiting, statuses["wait"])
	assert.Equal(t, store.StepPending, statuses["after"])

	// Concurrent routing for the same key: exactly one transition.
	var wg sync.WaitGroup
	var errs [2]error
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.eng.RouteEvent(ctx, "ext-1", "helm", true,
				map[string]any{"url": "https://svc.example.com"}, "")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status)
	assert.Equal(t, int64(1), got.Counters["events_routed"], "duplicate event is dropped")

	statuses = stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepCompleted, statuses["wait"])
	assert.Equal(t, store.StepCompleted, statuses["after"])
	after := got.Outputs["after"].(map[string]any)
	assert.Equal(t, "https://svc.example.com", after["url"], "downstream resolved the routed outputs")
}

func TestEngine_RouteEventUnknownKeyDropped(t *testing.T) {
	f := newFixture(t, syncRegistry(t, map[string]*scripted{}))
	err := f.eng.RouteEvent(context.Background(), "no-such-key", "", true, nil, "")
	assert.NoError(t, err)
}

func TestEngine_SweepTimesOutWaitingStep(t *testing.T) {
	ctx := context.Background()
	external := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return &action.Result{ExternalWorkflowID: "ext-2", HandlerType: "argo"}, nil
	}}
	f := newFixture(t, eventRegistry(t,
		map[string]*scripted{"external": external},
		map[string]bool{"external": true}))

	def := f.register(t, &dag.Definition{Name: "slow", Steps: []dag.StepDefinition{
		{ID: "wait", Action: "external", TimeoutSeconds: 5},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)
	require.Equal(t, 1, external.callCount())

	// Before the deadline the sweep does nothing.
	n, err := f.eng.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(6 * time.Second)
	n, err = f.eng.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.settle(ctx)

	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepTimeout, statuses["wait"])
	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionTimeout, got.Status, "timeouts are distinguished from failures")

	// A second sweep finds nothing and the step is never re-dispatched.
	n, err = f.eng.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.settle(ctx)
	assert.Equal(t, 1, external.callCount())

	// A late event for the timed-out step is dropped.
	require.NoError(t, f.eng.RouteEvent(ctx, "ext-2", "argo", true, nil, ""))
	statuses = stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepTimeout, statuses["wait"])
}

func TestEngine_CancelPropagates(t *testing.T) {
	ctx := context.Background()
	external := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return &action.Result{ExternalWorkflowID: "ext-3", HandlerType: "batch"}, nil
	}}
	ok := &scripted{}
	f := newFixture(t, eventRegistry(t,
		map[string]*scripted{"external": external, "ok": ok},
		map[string]bool{"external": true}))

	def := f.register(t, &dag.Definition{Name: "cancellable", Steps: []dag.StepDefinition{
		{ID: "wait", Action: "external", TimeoutSeconds: 600},
		{ID: "after", Action: "ok", DependsOn: []string{"wait"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	require.NoError(t, f.eng.Cancel(ctx, exec.ID))
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, got.Status)
	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepCancelled, statuses["wait"])
	assert.Equal(t, store.StepCancelled, statuses["after"])
	assert.Equal(t, []string{"ext-3"}, external.cancelled, "external system notified best effort")

	// Cancelling a terminal execution is rejected.
	assert.Error(t, f.eng.Cancel(ctx, exec.ID))
}

func TestEngine_ConditionSkipsStep(t *testing.T) {
	ctx := context.Background()
	ok := &scripted{}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"ok": ok}))

	def := f.register(t, &dag.Definition{Name: "conditional", Steps: []dag.StepDefinition{
		{ID: "always", Action: "ok"},
		{ID: "gated", Action: "ok", DependsOn: []string{"always"}, Condition: "params.deploy == true"},
	}})
	exec := f.start(t, def, map[string]any{"deploy": false})
	f.settle(ctx)

	statuses := stepStatuses(t, f.store, exec.ID)
	assert.Equal(t, store.StepCompleted, statuses["always"])
	assert.Equal(t, store.StepSkipped, statuses["gated"])
	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status)
}

func TestEngine_ParameterResolutionFailure(t *testing.T) {
	ctx := context.Background()
	work := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		return &action.Result{Outputs: map[string]any{"present": 1}}, nil
	}}
	f := newFixture(t, syncRegistry(t, map[string]*scripted{"work": work}))

	def := f.register(t, &dag.Definition{Name: "refs", Steps: []dag.StepDefinition{
		{ID: "a", Action: "work"},
		{ID: "b", Action: "work", DependsOn: []string{"a"},
			Params: map[string]any{"v": "${steps.a.outputs.absent}"}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, got.Status)
	assert.Equal(t, "b", got.FailedStepID)
	assert.Contains(t, got.ErrorMessage, "absent")
}

func TestEngine_UnknownActionIsFatalDespiteRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncRegistry(t, map[string]*scripted{}))

	def := f.register(t, &dag.Definition{Name: "ghost", Steps: []dag.StepDefinition{
		{ID: "a", Action: "does-not-exist", OnFailure: dag.FailureRetry,
			Retry: dag.RetryPolicy{MaxAttempts: 5, BackoffSeconds: 1}},
	}})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Zero(t, steps[0].RetryCount, "missing action is not retried")
	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, got.Status)
}

func TestEngine_ParallelismBounded(t *testing.T) {
	ctx := context.Background()
	var inFlight, peak int32
	slow := &scripted{execute: func(context.Context, action.Input) (*action.Result, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &action.Result{}, nil
	}}
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(action.Descriptor{
		Type: "slow", Mode: action.ModeSync, DefaultTimeout: time.Minute, Executor: slow,
	}))
	reg.Seal()

	m := store.NewMemoryStore()
	eng := New(m, m, m, reg, Config{
		MaxParallelSteps: 2,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f := &fixture{store: m, eng: eng, clk: newFakeClock()}

	steps := make([]dag.StepDefinition, 0, 6)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		steps = append(steps, dag.StepDefinition{ID: id, Action: "slow"})
	}
	def := f.register(t, &dag.Definition{Name: "wide", Steps: steps})
	exec := f.start(t, def, nil)
	f.settle(ctx)

	got, err := m.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, got.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "worker pool bound respected")
}
