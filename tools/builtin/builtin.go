// Package builtin provides the static tools every agent gets regardless of
// backend: expression evaluation, clock access, and web search.
package builtin

import (
	"context"
	"fmt"
	"time"

	wick "github.com/wicklab/wick"
)

// New returns the built-in tool set for an agent config. Search is only
// included when the config carries search settings in builtin_config.
func New(cfg *wick.AgentConfig) []wick.Tool {
	var tools []wick.Tool

	tools = append(tools, wick.NewFuncTool(
		"calculate",
		"Evaluate a mathematical expression. Supports +, -, *, /, ^, %, parentheses, and sqrt().",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "description": "Mathematical expression to evaluate"},
			},
			"required": []string{"expression"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			expr, _ := args["expression"].(string)
			if expr == "" {
				return "Error: expression is required", nil
			}
			val, err := Evaluate(expr)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			return fmt.Sprintf("%g", val), nil
		},
	))

	tools = append(tools, wick.NewFuncTool(
		"current_datetime",
		"Get the current date and time in UTC and local timezone.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			return fmt.Sprintf("UTC: %s\nLocal: %s",
				now.UTC().Format(time.RFC3339),
				now.Format(time.RFC3339),
			), nil
		},
	))

	search := NewSearch(nil)
	if cfg != nil && cfg.BuiltinConfig["internet_search"] == "disabled" {
		return tools
	}
	tools = append(tools, wick.NewFuncTool(
		"internet_search",
		"Search the internet for information. Returns relevant results with snippets and extracted page content.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			"required": []string{"query"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "Error: query is required", nil
			}
			out, err := search.Search(ctx, query)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			return out, nil
		},
	))

	return tools
}
