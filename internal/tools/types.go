// Package tools provides the tool registry and the built-in tools the
// pipeline can dispatch to. Tools validate and decode their arguments at
// the boundary; the registry records every invocation in the trace ledger.
package tools

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ParamSpec describes one parameter of a tool.
type ParamSpec struct {
	// Type is the JSON type name ("string", "number", "integer", "boolean").
	Type string `json:"type"`

	// Required marks parameters that must be present.
	Required bool `json:"required"`

	// Description for schema listings.
	Description string `json:"description"`

	// Enum restricts the value to a fixed set, when non-empty.
	Enum []string `json:"enum,omitempty"`

	// Default value applied when the parameter is absent.
	Default any `json:"default,omitempty"`
}

// Result is the outcome of a tool execution.
type Result struct {
	// Success indicates if the tool completed successfully.
	Success bool `json:"success"`

	// Output contains the tool's output.
	Output any `json:"output,omitempty"`

	// Error contains error details if Success is false.
	Error string `json:"error,omitempty"`

	// Metadata contains tool-specific metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failure builds a failed Result with the given error message.
func Failure(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool defines the interface for all executable tools.
type Tool interface {
	// Name returns the tool identifier.
	Name() string

	// Description returns a one-line summary for schema listings.
	Description() string

	// Parameters returns the parameter schema.
	Parameters() map[string]ParamSpec

	// Execute runs the tool with the given arguments. Argument decoding
	// happens inside Execute; a decode failure is a failed Result, not a
	// Go error. The error return is reserved for infrastructure faults.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Schema is the listing form of a tool, as returned by Registry.List.
type Schema struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamSpec `json:"parameters"`
}

// decodeArgs decodes a raw argument map into a tool's typed args struct.
// Weak typing tolerates JSON numbers arriving as float64 for integer
// fields and numeric strings for numbers.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build argument decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// validateArgs checks the raw argument map against a parameter schema:
// required parameters must be present and enum values must match.
func validateArgs(args map[string]any, params map[string]ParamSpec) error {
	for name, spec := range params {
		val, ok := args[name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("missing required parameter %q", name)
			}
			continue
		}
		if len(spec.Enum) > 0 {
			s, isStr := val.(string)
			if !isStr {
				return fmt.Errorf("parameter %q must be a string", name)
			}
			valid := false
			for _, e := range spec.Enum {
				if s == e {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("parameter %q must be one of %v", name, spec.Enum)
			}
		}
	}
	return nil
}
