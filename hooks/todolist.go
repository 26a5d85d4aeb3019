package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	wick "github.com/wicklab/wick"
)

// TodoList tracks task progress through a write_todos runtime tool. The
// model sends the complete list on every update; partial patches are not
// supported.
type TodoList struct {
	wick.BaseHook
}

// NewTodoList creates a todo list hook.
func NewTodoList() *TodoList {
	return &TodoList{}
}

func (h *TodoList) Name() string { return "todolist" }

// BeforeAgent initializes the todo state and registers write_todos.
func (h *TodoList) BeforeAgent(ctx context.Context, state *wick.AgentState) error {
	if state.Todos == nil {
		state.Todos = []wick.Todo{}
	}

	state.RegisterTool(wick.NewFuncTool(
		"write_todos",
		"Update the task tracking list. Pass the complete list of todos with their current status.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":     map[string]any{"type": "string"},
							"title":  map[string]any{"type": "string"},
							"status": map[string]any{"type": "string", "enum": []string{wick.TodoPending, wick.TodoInProgress, wick.TodoDone}},
						},
					},
				},
			},
			"required": []string{"todos"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			todosRaw, ok := args["todos"]
			if !ok {
				return "Error: 'todos' field is required", nil
			}

			// JSON round-trip gives type safety over the decoded map.
			data, _ := json.Marshal(todosRaw)
			var todos []wick.Todo
			if err := json.Unmarshal(data, &todos); err != nil {
				return "Error parsing todos: " + err.Error(), nil
			}

			state.Todos = todos
			return fmt.Sprintf("Updated %d todo(s)", len(todos)), nil
		},
	))

	return nil
}
