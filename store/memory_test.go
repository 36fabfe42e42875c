package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/orchestrator/dag"
)

func TestMemoryStore_Definitions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	def := &dag.Definition{Name: "pipe", Steps: []dag.StepDefinition{{ID: "a", Action: "noop"}}}
	require.NoError(t, m.CreateDefinition(ctx, def))
	assert.Equal(t, 1, def.Version)
	require.NoError(t, m.CreateDefinition(ctx, &dag.Definition{ID: def.ID, Name: "pipe", Steps: def.Steps}))

	latest, err := m.GetDefinition(ctx, def.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	v1, err := m.GetDefinition(ctx, def.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	_, err = m.GetDefinition(ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ExecutionTransitions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &PipelineExecution{DefinitionID: uuid.New(), DefinitionVersion: 1}
	require.NoError(t, m.CreateExecution(ctx, e))
	assert.Equal(t, ExecutionPending, e.Status)

	ok, err := m.TransitionExecution(ctx, e.ID, []ExecutionStatus{ExecutionPending}, ExecutionRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard mismatch: the execution is no longer pending.
	ok, err = m.TransitionExecution(ctx, e.ID, []ExecutionStatus{ExecutionPending}, ExecutionRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.FinishExecution(ctx, e.ID, []ExecutionStatus{ExecutionRunning}, ExecutionCompleted,
		map[string]any{"result": "ok"}, "", "", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.Terminal())
}

func TestMemoryStore_StepClaim_SingleWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &PipelineExecution{DefinitionID: uuid.New()}
	require.NoError(t, m.CreateExecution(ctx, e))
	s := &StepExecution{ExecutionID: e.ID, StepID: "a", ActionType: "noop"}
	require.NoError(t, m.CreateStep(ctx, s))

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimStep(ctx, s.ID, []StepStatus{StepPending}, StepRunning)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one concurrent claim must win")
}

func TestMemoryStore_AwaitingEventResolution(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &PipelineExecution{DefinitionID: uuid.New()}
	require.NoError(t, m.CreateExecution(ctx, e))
	s := &StepExecution{ExecutionID: e.ID, StepID: "deploy", ActionType: "external"}
	require.NoError(t, m.CreateStep(ctx, s))

	ok, err := m.ClaimStep(ctx, s.ID, []StepStatus{StepPending}, StepRunning)
	require.NoError(t, err)
	require.True(t, ok)

	deadline := time.Now().Add(5 * time.Second)
	ok, err = m.MarkStepWaiting(ctx, s.ID, "corr-1", "helm", deadline)
	require.NoError(t, err)
	require.True(t, ok)

	found, err := m.FindStepByCorrelation(ctx, "corr-1", "helm")
	require.NoError(t, err)
	assert.Equal(t, s.ID, found.ID)
	assert.True(t, found.AwaitingEvent)
	assert.Equal(t, StepWaiting, found.Status)

	_, err = m.FindStepByCorrelation(ctx, "corr-1", "other-handler")
	assert.ErrorIs(t, err, ErrNotFound)

	// Two concurrent resolutions: exactly one state transition.
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ResolveAwaitingStep(ctx, s.ID, StepCompleted, map[string]any{"x": 1}, "")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := m.GetStep(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.AwaitingEvent)
	assert.Equal(t, StepCompleted, got.Status)
	assert.Nil(t, got.TimeoutAt)
}

func TestMemoryStore_ExpiredWaitingSteps(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &PipelineExecution{DefinitionID: uuid.New()}
	require.NoError(t, m.CreateExecution(ctx, e))

	past := &StepExecution{ExecutionID: e.ID, StepID: "late", ActionType: "external"}
	require.NoError(t, m.CreateStep(ctx, past))
	_, _ = m.ClaimStep(ctx, past.ID, []StepStatus{StepPending}, StepRunning)
	_, _ = m.MarkStepWaiting(ctx, past.ID, "c1", "h", time.Now().Add(-time.Minute))

	future := &StepExecution{ExecutionID: e.ID, StepID: "onTime", ActionType: "external"}
	require.NoError(t, m.CreateStep(ctx, future))
	_, _ = m.ClaimStep(ctx, future.ID, []StepStatus{StepPending}, StepRunning)
	_, _ = m.MarkStepWaiting(ctx, future.ID, "c2", "h", time.Now().Add(time.Hour))

	expired, err := m.ListExpiredWaitingSteps(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "late", expired[0].StepID)
}

func TestMemoryStore_ProgressOrdering(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	execID := uuid.New()

	for i := 0; i < 3; i++ {
		ev := &ProgressEvent{ExecutionID: execID, EventType: "step_completed", ProgressPercent: float64(i) * 33}
		require.NoError(t, m.AppendProgress(ctx, ev))
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
	}

	events, err := m.ListProgress(ctx, ProgressFilter{ExecutionID: execID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, int64(3), events[0].SequenceNumber)

	filtered, err := m.ListProgress(ctx, ProgressFilter{ExecutionID: execID, EventType: "missing"})
	require.NoError(t, err)
	assert.Empty(t, filtered)

	page, err := m.ListProgress(ctx, ProgressFilter{ExecutionID: execID, Pagination: Pagination{Limit: 2, Offset: 2}})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestMemoryStore_SubscriptionUniqueness(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	execID := uuid.New()

	sub := &ExecutionSubscription{ExecutionID: execID, CallbackTopic: "events.exec"}
	require.NoError(t, m.CreateSubscription(ctx, sub))
	assert.Equal(t, DeliveryActive, sub.DeliveryStatus)

	dup := &ExecutionSubscription{ExecutionID: execID, CallbackTopic: "events.exec"}
	assert.ErrorIs(t, m.CreateSubscription(ctx, dup), ErrDuplicate)

	ok, err := m.SetDeliveryStatus(ctx, sub.ID, []DeliveryStatus{DeliveryActive}, DeliveryFailed, "publish refused")
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard no longer matches.
	ok, err = m.SetDeliveryStatus(ctx, sub.ID, []DeliveryStatus{DeliveryActive}, DeliveryExpired, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ClaimDue(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	due := time.Now().Add(-time.Second).Truncate(time.Second)
	s := &TriggerSchedule{
		Name: "nightly", Kind: ScheduleCron, CronExpr: "0 0 * * *",
		DefinitionID: uuid.New(), Enabled: true, NextFireAt: &due,
	}
	require.NoError(t, m.CreateSchedule(ctx, s))

	listed, err := m.ListDueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, listed, 1)

	next := due.Add(24 * time.Hour)
	ok, err := m.ClaimDue(ctx, s.ID, due, time.Now(), &next)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same occurrence cannot be claimed twice.
	ok, err = m.ClaimDue(ctx, s.ID, due, time.Now(), &next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Retention(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	done := &PipelineExecution{DefinitionID: uuid.New(), Status: ExecutionCompleted}
	require.NoError(t, m.CreateExecution(ctx, done))
	running := &PipelineExecution{DefinitionID: uuid.New(), Status: ExecutionRunning}
	require.NoError(t, m.CreateExecution(ctx, running))

	n, err := m.DeleteExecutionsBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only terminal executions are purged")

	_, err = m.GetExecution(ctx, running.ID)
	assert.NoError(t, err)
}
