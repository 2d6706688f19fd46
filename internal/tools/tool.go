// Package tools holds the callable tools available to TOOL_EXECUTION nodes.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is a named capability invoked with JSON-like arguments.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema for the arguments. Nil skips validation.
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Info summarises a registered tool for listings.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string                 { return f.ToolName }
func (f *Func) Description() string          { return f.ToolDescription }
func (f *Func) InputSchema() json.RawMessage { return f.Schema }

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
