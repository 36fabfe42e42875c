package dag

import (
	"errors"
	"testing"
)

func linearDef() *Definition {
	return &Definition{
		Name: "linear",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop"},
			{ID: "b", Action: "noop", DependsOn: []string{"a"}},
			{ID: "c", Action: "noop", DependsOn: []string{"b"}},
		},
	}
}

func TestValidate_Linear(t *testing.T) {
	g, err := Validate(linearDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := g.TopologicalOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 steps in order, got %d", len(order))
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("topological order %v violates dependencies", order)
	}

	if deps := g.Dependents("a"); len(deps) != 1 || deps[0] != "b" {
		t.Errorf("expected dependents of a to be [b], got %v", deps)
	}
}

func TestValidate_Cycle(t *testing.T) {
	def := &Definition{
		Name: "cyclic",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop", DependsOn: []string{"c"}},
			{ID: "b", Action: "noop", DependsOn: []string{"a"}},
			{ID: "c", Action: "noop", DependsOn: []string{"b"}},
		},
	}

	_, err := Validate(def)
	var cycErr *CyclicDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if len(cycErr.Steps) != 3 {
		t.Errorf("expected all 3 cycle members named, got %v", cycErr.Steps)
	}
}

func TestValidate_DuplicateAndUnknown(t *testing.T) {
	def := &Definition{
		Name: "bad",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop"},
			{ID: "a", Action: "noop"},
			{ID: "b", Action: "noop", DependsOn: []string{"ghost"}},
		},
	}

	_, err := Validate(def)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(valErr.Errors) < 2 {
		t.Errorf("expected duplicate and unknown-dependency errors, got %v", valErr.Errors)
	}
}

func TestValidate_ParamReferences(t *testing.T) {
	def := &Definition{
		Name: "refs",
		Steps: []StepDefinition{
			{ID: "build", Action: "noop"},
			{ID: "deploy", Action: "noop", DependsOn: []string{"build"},
				Params: map[string]any{"image": "${steps.build.outputs.image_tag}"}},
		},
	}
	if _, err := Validate(def); err != nil {
		t.Fatalf("valid reference rejected: %v", err)
	}

	// Referencing a step that is not an upstream dependency is rejected.
	def.Steps[1].Params["leak"] = "${steps.deploy.outputs.x}"
	if _, err := Validate(def); err == nil {
		t.Error("expected self/forward reference to be rejected")
	}

	def.Steps[1].Params = map[string]any{
		"nested": map[string]any{"v": "${steps.missing.outputs.x}"},
	}
	if _, err := Validate(def); err == nil {
		t.Error("expected reference to undefined step to be rejected")
	}
}

func TestValidate_RetryPolicy(t *testing.T) {
	def := &Definition{
		Name: "retry",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop", OnFailure: FailureRetry},
		},
	}
	if _, err := Validate(def); err == nil {
		t.Error("retry policy without max_attempts should be rejected")
	}

	def.Steps[0].Retry = RetryPolicy{MaxAttempts: 3, BackoffSeconds: 2}
	if _, err := Validate(def); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_Condition(t *testing.T) {
	def := &Definition{
		Name: "conditional",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop", Condition: "params.env == 'prod'"},
		},
	}
	if _, err := Validate(def); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	def.Steps[0].Condition = "params.env =="
	if _, err := Validate(def); err == nil {
		t.Error("malformed condition should be rejected")
	}
}

func TestTransitiveDependencies(t *testing.T) {
	def := &Definition{
		Name: "diamond",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop"},
			{ID: "b", Action: "noop", DependsOn: []string{"a"}},
			{ID: "c", Action: "noop", DependsOn: []string{"a"}},
			{ID: "d", Action: "noop", DependsOn: []string{"b", "c"}},
		},
	}
	g, err := Validate(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up := g.TransitiveDependencies("d")
	for _, id := range []string{"a", "b", "c"} {
		if !up[id] {
			t.Errorf("expected %q upstream of d", id)
		}
	}
	if up["d"] {
		t.Error("step must not be upstream of itself")
	}
}

func TestCheckDefinition(t *testing.T) {
	res := CheckDefinition(linearDef())
	if !res.Valid || res.StepCount != 3 || res.HasCycle {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected no-timeout warnings")
	}

	cyclic := &Definition{
		Name: "c",
		Steps: []StepDefinition{
			{ID: "a", Action: "noop", DependsOn: []string{"b"}},
			{ID: "b", Action: "noop", DependsOn: []string{"a"}},
		},
	}
	res = CheckDefinition(cyclic)
	if res.Valid || !res.HasCycle {
		t.Errorf("expected cycle flagged: %+v", res)
	}
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
name: sample
version: 1
steps:
  - id: fetch
    action: http_call
    timeout_seconds: 30
  - id: process
    action: noop
    depends_on: [fetch]
    on_failure: retry
    retry:
      max_attempts: 2
      backoff_seconds: 5
`)
	def, err := ParseYAML(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "sample" || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Steps[1].Retry.MaxAttempts != 2 {
		t.Errorf("retry policy not parsed: %+v", def.Steps[1].Retry)
	}

	if _, err := ParseYAML([]byte("steps: {")); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
	if _, err := ParseYAML([]byte("version: 1")); err == nil {
		t.Error("expected parse error for missing name")
	}
}
