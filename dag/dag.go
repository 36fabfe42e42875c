// Package dag defines the pipeline definition model: a directed acyclic
// graph of steps validated at registration time and compiled into an
// indexed graph the scheduler can walk.
package dag

import (
	"time"

	"github.com/google/uuid"
)

// FailurePolicy controls how a step failure affects the rest of the execution.
type FailurePolicy string

const (
	// FailureFail marks the whole execution failed and skips remaining steps.
	FailureFail FailurePolicy = "fail"
	// FailureContinue records the failure but lets independent branches proceed.
	FailureContinue FailurePolicy = "continue"
	// FailureRetry requeues the step until its retry budget is exhausted.
	FailureRetry FailurePolicy = "retry"
)

// ValidFailurePolicies is the set of accepted on_failure values.
var ValidFailurePolicies = map[FailurePolicy]bool{
	FailureFail:     true,
	FailureContinue: true,
	FailureRetry:    true,
}

// RetryPolicy bounds how often a failing step is re-dispatched.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BackoffSeconds is the base backoff; the actual delay grows
	// exponentially with the retry count.
	BackoffSeconds int `json:"backoff_seconds" yaml:"backoff_seconds"`
	// OnExhausted is the policy applied once the retry budget is spent.
	// Only fail and continue are accepted; empty defaults to fail.
	OnExhausted FailurePolicy `json:"on_exhausted,omitempty" yaml:"on_exhausted,omitempty"`
}

// StepDefinition is a single unit of work within a pipeline definition.
type StepDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Action    string         `json:"action" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Condition is an optional boolean expression evaluated against the
	// execution params and upstream outputs before dispatch; false skips
	// the step.
	Condition      string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnFailure      FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Retry          RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the step timeout as a duration, or 0 when unset.
func (s StepDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Policy returns the effective on-failure policy (fail when unset).
func (s StepDefinition) Policy() FailurePolicy {
	if s.OnFailure == "" {
		return FailureFail
	}
	return s.OnFailure
}

// ExhaustedPolicy returns the policy applied after the retry budget is spent.
func (s StepDefinition) ExhaustedPolicy() FailurePolicy {
	if s.Retry.OnExhausted == FailureContinue {
		return FailureContinue
	}
	return FailureFail
}

// Definition is an immutable pipeline definition. A change produces a new
// version; existing executions keep the version they started with.
type Definition struct {
	ID      uuid.UUID        `json:"id" yaml:"id"`
	Name    string           `json:"name" yaml:"name"`
	Version int              `json:"version" yaml:"version"`
	Params  map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
	Steps   []StepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the step definition with the given id, if present.
func (d *Definition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Graph is a validated, topologically-orderable view of a Definition.
// Steps live in an indexed arena; edges are integer index pairs.
type Graph struct {
	def *Definition

	index      map[string]int // step id -> arena index
	deps       [][]int        // deps[i] = indices step i depends on
	dependents [][]int        // dependents[i] = indices waiting on step i
	order      []int          // a valid topological order over indices
}

// Definition returns the underlying definition.
func (g *Graph) Definition() *Definition { return g.def }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.def.Steps) }

// StepAt returns the step definition at an arena index.
func (g *Graph) StepAt(i int) StepDefinition { return g.def.Steps[i] }

// Index returns the arena index for a step id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Dependencies returns the step ids the given step depends on.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, d := range g.deps[i] {
		out = append(out, g.def.Steps[d].ID)
	}
	return out
}

// Dependents answers "which steps are waiting on step id" from the
// reverse-dependency index.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dependents[i]))
	for _, d := range g.dependents[i] {
		out = append(out, g.def.Steps[d].ID)
	}
	return out
}

// TopologicalOrder returns step ids in a dependency-respecting order.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, 0, len(g.order))
	for _, i := range g.order {
		out = append(out, g.def.Steps[i].ID)
	}
	return out
}

// TransitiveDependencies returns the set of step ids reachable upstream
// from the given step.
func (g *Graph) TransitiveDependencies(id string) map[string]bool {
	out := make(map[string]bool)
	i, ok := g.index[id]
	if !ok {
		return out
	}
	var visit func(int)
	visit = func(n int) {
		for _, d := range g.deps[n] {
			sid := g.def.Steps[d].ID
			if !out[sid] {
				out[sid] = true
				visit(d)
			}
		}
	}
	visit(i)
	return out
}
