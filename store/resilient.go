package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryConfig tunes the write retry loop of the resilience layer.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Guard combines bounded retry with a circuit breaker. All resilient store
// wrappers share one Guard so the breaker sees every store interaction.
type Guard struct {
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(retry RetryConfig, breaker *CircuitBreaker, logger *slog.Logger) *Guard {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 100 * time.Millisecond
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 2 * time.Second
	}
	if retry.BackoffMultiplier <= 0 {
		retry.BackoffMultiplier = 2.0
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 2, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{retry: retry, breaker: breaker, logger: logger}
}

// Breaker returns the underlying circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// permanent reports errors that retrying will not fix.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled)
}

// Do runs fn under the circuit breaker with bounded exponential-backoff
// retry for transient failures.
func (g *Guard) Do(ctx context.Context, op string, fn func() error) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := g.backoff(attempt)
			g.logger.Warn("store operation retrying", "op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			g.breaker.RecordSuccess()
			return nil
		}
		if permanent(err) {
			// Not a store fault; the breaker stays untouched.
			return err
		}
		lastErr = err
	}

	g.breaker.RecordFailure()
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (g *Guard) backoff(attempt int) time.Duration {
	base := float64(g.retry.InitialBackoff) * math.Pow(g.retry.BackoffMultiplier, float64(attempt-1))
	if base > float64(g.retry.MaxBackoff) {
		base = float64(g.retry.MaxBackoff)
	}
	return time.Duration(base)
}

// ResilientExecutionStore wraps an ExecutionStore with the Guard and keeps
// a most-recently-known in-memory copy of executions and steps. While the
// durable store is unreachable, reads degrade to the cached copy marked
// stale; writes fail with ErrStoreUnavailable rather than being dropped.
type ResilientExecutionStore struct {
	inner ExecutionStore
	guard *Guard

	mu         sync.Mutex
	executions map[uuid.UUID]PipelineExecution
	steps      map[uuid.UUID]map[uuid.UUID]StepExecution // executionID -> step id -> step
}

// NewResilientExecutionStore wraps inner with retry, circuit breaking, and
// a fallback cache.
func NewResilientExecutionStore(inner ExecutionStore, guard *Guard) *ResilientExecutionStore {
	return &ResilientExecutionStore{
		inner:      inner,
		guard:      guard,
		executions: make(map[uuid.UUID]PipelineExecution),
		steps:      make(map[uuid.UUID]map[uuid.UUID]StepExecution),
	}
}

func (r *ResilientExecutionStore) cacheExecution(e *PipelineExecution) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.executions[e.ID] = *e
	r.mu.Unlock()
}

func (r *ResilientExecutionStore) cacheStep(s *StepExecution) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if r.steps[s.ExecutionID] == nil {
		r.steps[s.ExecutionID] = make(map[uuid.UUID]StepExecution)
	}
	r.steps[s.ExecutionID][s.ID] = *s
	r.mu.Unlock()
}

func (r *ResilientExecutionStore) CreateExecution(ctx context.Context, e *PipelineExecution) error {
	err := r.guard.Do(ctx, "create execution", func() error {
		return r.inner.CreateExecution(ctx, e)
	})
	if err == nil {
		r.cacheExecution(e)
	}
	return err
}

func (r *ResilientExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*PipelineExecution, error) {
	e, err := r.inner.GetExecution(ctx, id)
	if err == nil {
		r.cacheExecution(e)
		return e, nil
	}
	if permanent(err) {
		return nil, err
	}
	r.guard.Breaker().RecordFailure()

	r.mu.Lock()
	cached, ok := r.executions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get execution: %w", ErrStoreUnavailable)
	}
	cached.Stale = true
	return &cached, nil
}

func (r *ResilientExecutionStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*PipelineExecution, error) {
	var out []*PipelineExecution
	err := r.guard.Do(ctx, "list executions", func() error {
		var innerErr error
		out, innerErr = r.inner.ListExecutions(ctx, f)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		r.cacheExecution(e)
	}
	return out, nil
}

func (r *ResilientExecutionStore) TransitionExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "transition execution", func() error {
		var innerErr error
		ok, innerErr = r.inner.TransitionExecution(ctx, id, from, to)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) FinishExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus, outputs map[string]any, failedStepID, errMsg string, completedAt time.Time) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "finish execution", func() error {
		var innerErr error
		ok, innerErr = r.inner.FinishExecution(ctx, id, from, to, outputs, failedStepID, errMsg, completedAt)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "request cancel", func() error {
		var innerErr error
		ok, innerErr = r.inner.RequestCancel(ctx, id)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) IncrementCounter(ctx context.Context, id uuid.UUID, name string, delta int64) error {
	return r.guard.Do(ctx, "increment counter", func() error {
		return r.inner.IncrementCounter(ctx, id, name, delta)
	})
}

func (r *ResilientExecutionStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.guard.Do(ctx, "delete executions", func() error {
		var innerErr error
		n, innerErr = r.inner.DeleteExecutionsBefore(ctx, cutoff)
		return innerErr
	})
	return n, err
}

func (r *ResilientExecutionStore) CreateStep(ctx context.Context, s *StepExecution) error {
	err := r.guard.Do(ctx, "create step", func() error {
		return r.inner.CreateStep(ctx, s)
	})
	if err == nil {
		r.cacheStep(s)
	}
	return err
}

func (r *ResilientExecutionStore) GetStep(ctx context.Context, id uuid.UUID) (*StepExecution, error) {
	var s *StepExecution
	err := r.guard.Do(ctx, "get step", func() error {
		var innerErr error
		s, innerErr = r.inner.GetStep(ctx, id)
		return innerErr
	})
	if err == nil {
		r.cacheStep(s)
	}
	return s, err
}

func (r *ResilientExecutionStore) ListSteps(ctx context.Context, executionID uuid.UUID) ([]*StepExecution, error) {
	out, err := r.inner.ListSteps(ctx, executionID)
	if err == nil {
		for _, s := range out {
			r.cacheStep(s)
		}
		return out, nil
	}
	if permanent(err) {
		return nil, err
	}
	r.guard.Breaker().RecordFailure()

	r.mu.Lock()
	cached := r.steps[executionID]
	var fallback []*StepExecution
	for _, s := range cached {
		cp := s
		fallback = append(fallback, &cp)
	}
	r.mu.Unlock()
	if fallback == nil {
		return nil, fmt.Errorf("list steps: %w", ErrStoreUnavailable)
	}
	return fallback, nil
}

func (r *ResilientExecutionStore) ClaimStep(ctx context.Context, id uuid.UUID, from []StepStatus, to StepStatus) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "claim step", func() error {
		var innerErr error
		ok, innerErr = r.inner.ClaimStep(ctx, id, from, to)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) UpdateStep(ctx context.Context, s *StepExecution) error {
	err := r.guard.Do(ctx, "update step", func() error {
		return r.inner.UpdateStep(ctx, s)
	})
	if err == nil {
		r.cacheStep(s)
	}
	return err
}

func (r *ResilientExecutionStore) MarkStepWaiting(ctx context.Context, id uuid.UUID, externalWorkflowID, handlerType string, timeoutAt time.Time) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "mark step waiting", func() error {
		var innerErr error
		ok, innerErr = r.inner.MarkStepWaiting(ctx, id, externalWorkflowID, handlerType, timeoutAt)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) ResolveAwaitingStep(ctx context.Context, id uuid.UUID, to StepStatus, outputs map[string]any, errMsg string) (bool, error) {
	var ok bool
	err := r.guard.Do(ctx, "resolve awaiting step", func() error {
		var innerErr error
		ok, innerErr = r.inner.ResolveAwaitingStep(ctx, id, to, outputs, errMsg)
		return innerErr
	})
	return ok, err
}

func (r *ResilientExecutionStore) FindStepByCorrelation(ctx context.Context, externalWorkflowID, handlerType string) (*StepExecution, error) {
	var s *StepExecution
	err := r.guard.Do(ctx, "find step by correlation", func() error {
		var innerErr error
		s, innerErr = r.inner.FindStepByCorrelation(ctx, externalWorkflowID, handlerType)
		return innerErr
	})
	return s, err
}

func (r *ResilientExecutionStore) ListExpiredWaitingSteps(ctx context.Context, now time.Time, limit int) ([]*StepExecution, error) {
	var out []*StepExecution
	err := r.guard.Do(ctx, "list expired waiting steps", func() error {
		var innerErr error
		out, innerErr = r.inner.ListExpiredWaitingSteps(ctx, now, limit)
		return innerErr
	})
	return out, err
}
