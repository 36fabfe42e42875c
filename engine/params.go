package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// stepRefPattern matches ${steps.<id>.outputs.<key>} template references.
// The key may be a dotted path into nested output maps.
var stepRefPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_-]+)\.outputs\.([A-Za-z0-9_.-]+)\}`)

// resolveParams substitutes template references in a step's static params
// with the referenced upstream outputs. A value that is exactly one
// reference keeps the referenced value's type; references embedded in a
// longer string are stringified in place.
func resolveParams(stepID string, params map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	resolved, err := resolveValue(stepID, params, outputs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(stepID string, v any, outputs map[string]map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(stepID, val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			r, err := resolveValue(stepID, nested, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			r, err := resolveValue(stepID, nested, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(stepID, s string, outputs map[string]map[string]any) (any, error) {
	matches := stepRefPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference: preserve the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		producer := s[matches[0][2]:matches[0][3]]
		path := s[matches[0][4]:matches[0][5]]
		v, ok := lookupOutput(outputs, producer, path)
		if !ok {
			return nil, &ParameterResolutionError{StepID: stepID, Reference: s}
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		producer := s[m[2]:m[3]]
		path := s[m[4]:m[5]]
		v, ok := lookupOutput(outputs, producer, path)
		if !ok {
			return nil, &ParameterResolutionError{StepID: stepID, Reference: s[m[0]:m[1]]}
		}
		fmt.Fprintf(&b, "%v", v)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookupOutput walks a dotted path into a producer step's recorded outputs.
func lookupOutput(outputs map[string]map[string]any, producer, path string) (any, bool) {
	m, ok := outputs[producer]
	if !ok {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(m)
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
