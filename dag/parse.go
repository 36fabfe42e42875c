package dag

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a pipeline definition from YAML.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ParseError{Reason: "invalid yaml", Err: err}
	}
	if def.Name == "" {
		return nil, &ParseError{Reason: "definition has no name"}
	}
	return &def, nil
}

// ParseJSON decodes a pipeline definition from JSON.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	if def.Name == "" {
		return nil, &ParseError{Reason: "definition has no name"}
	}
	return &def, nil
}
