package toolexecutor

import (
	"context"
	"errors"
	"fmt"
)

// ToolParameter is one named argument of a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler runs a tool with already validated arguments.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition is what the model sees of a tool, plus its handler.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

var parameterTypes = map[string]struct{}{
	"string": {}, "number": {}, "integer": {},
	"boolean": {}, "object": {}, "array": {},
}

// Schema renders the parameters as a closed JSON object schema, the shape
// providers take for function tools.
func (d ToolDefinition) Schema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]interface{}{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Validate checks that d can be registered.
func (d ToolDefinition) Validate() error {
	switch {
	case d.Name == "":
		return errors.New("tool name cannot be empty")
	case d.Description == "":
		return errors.New("tool description cannot be empty")
	case d.Handler == nil:
		return errors.New("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if _, ok := parameterTypes[p.Type]; !ok {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}
