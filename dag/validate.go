package dag

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/expr-lang/expr"
)

// paramRefPattern matches template references to upstream step outputs,
// e.g. ${steps.build.outputs.image_tag}.
var paramRefPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_-]+)\.outputs\.([A-Za-z0-9_.-]+)\}`)

// ValidationResult summarizes a registration-time validation pass without
// creating an execution.
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	StepCount int      `json:"step_count"`
	HasCycle  bool     `json:"has_cycle"`
}

// Validate checks a definition for well-formedness and compiles it into a
// Graph. It reports duplicate step ids, unresolvable dependencies, cycles
// (via Kahn's algorithm, naming the cycle members), invalid policies, and
// template parameter references that do not point at a transitive
// dependency of the referencing step.
func Validate(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, &ParseError{Reason: "nil definition"}
	}
	if len(def.Steps) == 0 {
		return nil, &ValidationError{Errors: []string{"definition has no steps"}}
	}

	var errs []string

	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("step at position %d has no id", i))
			continue
		}
		if _, dup := index[s.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		index[s.ID] = i
	}

	for _, s := range def.Steps {
		if s.Action == "" {
			errs = append(errs, fmt.Sprintf("step %q has no action", s.ID))
		}
		if s.OnFailure != "" && !ValidFailurePolicies[s.OnFailure] {
			errs = append(errs, fmt.Sprintf("step %q has invalid on_failure %q", s.ID, s.OnFailure))
		}
		if s.OnFailure == FailureRetry && s.Retry.MaxAttempts <= 0 {
			errs = append(errs, fmt.Sprintf("step %q uses retry policy but max_attempts is not positive", s.ID))
		}
		if s.Retry.OnExhausted != "" && s.Retry.OnExhausted != FailureFail && s.Retry.OnExhausted != FailureContinue {
			errs = append(errs, fmt.Sprintf("step %q has invalid on_exhausted %q", s.ID, s.Retry.OnExhausted))
		}
		if s.Condition != "" {
			if _, err := expr.Compile(s.Condition, expr.AsBool()); err != nil {
				errs = append(errs, fmt.Sprintf("step %q has invalid condition: %v", s.ID, err))
			}
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, fmt.Sprintf("step %q depends on itself", s.ID))
				continue
			}
			if _, ok := index[dep]; !ok {
				errs = append(errs, fmt.Sprintf("step %q depends on undefined step %q", s.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	// Build adjacency over arena indices.
	n := len(def.Steps)
	deps := make([][]int, n)
	dependents := make([][]int, n)
	indegree := make([]int, n)
	for i, s := range def.Steps {
		for _, dep := range s.DependsOn {
			d := index[dep]
			deps[i] = append(deps[i], d)
			dependents[d] = append(dependents[d], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm: peel zero-indegree steps; anything left over is
	// part of a cycle (or locked behind one).
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, n)
	remaining := append([]int(nil), indegree...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, d := range dependents[i] {
			remaining[d]--
			if remaining[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != n {
		var cycle []string
		for i := 0; i < n; i++ {
			if remaining[i] > 0 {
				cycle = append(cycle, def.Steps[i].ID)
			}
		}
		sort.Strings(cycle)
		return nil, &CyclicDependencyError{Steps: cycle}
	}

	g := &Graph{def: def, index: index, deps: deps, dependents: dependents, order: order}

	// Template references may only point at transitive dependencies of the
	// referencing step. Forward and sibling references would read outputs
	// that are not guaranteed to exist at dispatch time.
	for _, s := range def.Steps {
		upstream := g.TransitiveDependencies(s.ID)
		for _, ref := range collectParamRefs(s.Params) {
			if _, ok := index[ref]; !ok {
				errs = append(errs, fmt.Sprintf("step %q references outputs of undefined step %q", s.ID, ref))
				continue
			}
			if !upstream[ref] {
				errs = append(errs, fmt.Sprintf("step %q references outputs of step %q which is not a dependency", s.ID, ref))
			}
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return g, nil
}

// CheckDefinition runs Validate and folds the outcome into a
// ValidationResult suitable for the registration API.
func CheckDefinition(def *Definition) ValidationResult {
	res := ValidationResult{}
	if def != nil {
		res.StepCount = len(def.Steps)
	}
	_, err := Validate(def)
	switch e := err.(type) {
	case nil:
		res.Valid = true
	case *CyclicDependencyError:
		res.HasCycle = true
		res.Errors = append(res.Errors, e.Error())
	case *ValidationError:
		res.Errors = append(res.Errors, e.Errors...)
	default:
		res.Errors = append(res.Errors, err.Error())
	}
	for _, s := range defSteps(def) {
		if s.TimeoutSeconds == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("step %q has no timeout; the action default applies", s.ID))
		}
	}
	return res
}

func defSteps(def *Definition) []StepDefinition {
	if def == nil {
		return nil
	}
	return def.Steps
}

// collectParamRefs extracts referenced upstream step ids from a params map,
// descending into nested maps and slices.
func collectParamRefs(params map[string]any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range paramRefPattern.FindAllStringSubmatch(val, -1) {
				refs = append(refs, m[1])
			}
		case map[string]any:
			for _, nested := range val {
				walk(nested)
			}
		case []any:
			for _, nested := range val {
				walk(nested)
			}
		}
	}
	walk(params)
	return refs
}
