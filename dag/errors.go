package dag

import (
	"fmt"
	"strings"
)

// ParseError reports malformed definition input (bad YAML/JSON, missing
// required fields). Definitions that fail to parse are rejected at
// registration and never retried.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse definition: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse definition: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a well-formedness failure in a parsed definition.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s", strings.Join(e.Errors, "; "))
}

// CyclicDependencyError reports a dependency cycle. Steps holds every step
// participating in (or downstream-locked by) the cycle.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle involving steps: %s", strings.Join(e.Steps, ", "))
}
