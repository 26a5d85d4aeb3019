package wick

import "context"

// Tool is a callable the model can invoke. Parameters returns a JSON Schema
// object describing the arguments.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool adapts a plain function into a Tool. Hooks use it to register
// closures over agent state as runtime tools.
type FuncTool struct {
	name        string
	description string
	params      map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFuncTool builds a FuncTool.
func NewFuncTool(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) *FuncTool {
	return &FuncTool{name: name, description: description, params: params, fn: fn}
}

func (t *FuncTool) Name() string               { return t.name }
func (t *FuncTool) Description() string        { return t.description }
func (t *FuncTool) Parameters() map[string]any { return t.params }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

// ToolSchemas converts tools to the wire schemas sent to the model.
func ToolSchemas(tools []Tool) []ToolSchema {
	out := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}
