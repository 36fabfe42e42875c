// Package action maps action type names to capability descriptors and
// executors. The registry is built once at startup and sealed before the
// engine serves traffic; there is no ambient global registry.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrActionNotFound indicates a step names an action type the registry does
// not know. The step fails without retry: the workflow cannot succeed
// without the action existing.
var ErrActionNotFound = errors.New("action not found")

// Mode describes how an action's work completes.
type Mode string

const (
	// ModeSync actions run to completion inline; the result is recorded
	// as soon as Execute returns.
	ModeSync Mode = "sync"
	// ModeEventDriven actions delegate to an external system; the step
	// suspends and completion arrives later as a correlated event.
	ModeEventDriven Mode = "event_driven"
)

// Input carries everything an executor needs for one step dispatch.
type Input struct {
	ExecutionID string
	StepID      string
	Params      map[string]any
	// CallbackURL is where event-driven back-ends report completion.
	CallbackURL string
}

// Result is what an executor produces. SYNC executors fill Outputs.
// EVENT_DRIVEN executors fill ExternalWorkflowID and HandlerType so the
// completion tracker can route the eventual callback.
type Result struct {
	Outputs            map[string]any
	ExternalWorkflowID string
	HandlerType        string
}

// Executor is the capability the engine invokes for a step, regardless of
// transport.
type Executor interface {
	// ValidateParams checks resolved parameters before dispatch.
	ValidateParams(params map[string]any) error
	// Execute performs (or initiates) the action.
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Canceller is optionally implemented by executors of event-driven actions
// that can tell the external system to stop. Cancellation is best-effort;
// the step transitions locally regardless of the outcome.
type Canceller interface {
	CancelExternal(ctx context.Context, externalWorkflowID string) error
}

// ParamSpec describes one declared parameter of an action type.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Descriptor is the capability record for one action type.
type Descriptor struct {
	Type           string
	Mode           Mode
	DefaultTimeout time.Duration
	Idempotent     bool
	ParamSchema    map[string]ParamSpec
	Executor       Executor
}

// Registry maps action type names to descriptors. Populate it during
// startup, then Seal it; lookups on a sealed registry need no locking.
type Registry struct {
	actions map[string]Descriptor
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Descriptor)}
}

// Register adds a descriptor. It rejects duplicates, registration after
// sealing, and descriptors without an executor.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %q", d.Type)
	}
	if d.Type == "" {
		return fmt.Errorf("action descriptor has no type")
	}
	if d.Executor == nil {
		return fmt.Errorf("action %q has no executor", d.Type)
	}
	if d.Mode != ModeSync && d.Mode != ModeEventDriven {
		return fmt.Errorf("action %q has invalid mode %q", d.Type, d.Mode)
	}
	if _, exists := r.actions[d.Type]; exists {
		return fmt.Errorf("action %q already registered", d.Type)
	}
	r.actions[d.Type] = d
	return nil
}

// Seal marks the registry read-only.
func (r *Registry) Seal() { r.sealed = true }

// Lookup returns the descriptor for an action type.
func (r *Registry) Lookup(actionType string) (Descriptor, error) {
	d, ok := r.actions[actionType]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrActionNotFound, actionType)
	}
	return d, nil
}

// Types returns the registered action type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateAgainstSchema checks params against a descriptor's declared
// schema: required parameters present, basic type agreement.
func ValidateAgainstSchema(schema map[string]ParamSpec, params map[string]any) error {
	for name, spec := range schema {
		v, ok := params[name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("missing required parameter %q", name)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return fmt.Errorf("parameter %q: expected %s, got %T", name, spec.Type, v)
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
