// Package hooks provides the built-in hook set: tracing, todolist,
// filesystem, skills, memory, and summarization. Hooks register runtime
// tools, rewrite requests, and wrap model and tool calls as middleware.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
	"github.com/wicklab/wick/workfs"
)

// Tool results above this size are truncated to a head+tail excerpt before
// entering the transcript. Roughly 20k tokens.
const maxToolResultChars = 80_000

// Filesystem registers the file-operation tools (ls, read_file, write_file,
// edit_file, glob, grep, execute) backed by the agent's workspace backend,
// and evicts oversized tool results from the transcript.
type Filesystem struct {
	wick.BaseHook
	b           backend.Backend
	fs          workfs.FS
	resolvePath func(string) (string, error)
}

// NewFilesystem creates a filesystem hook over the given backend.
func NewFilesystem(b backend.Backend) *Filesystem {
	return &Filesystem{
		b:           b,
		fs:          b.FS(),
		resolvePath: b.ResolvePath,
	}
}

func (h *Filesystem) Name() string { return "filesystem" }

// BeforeAgent registers the seven file-operation tools on the state. The
// write paths mirror their content into state.Files so the UI can render
// workspace changes without another round-trip.
func (h *Filesystem) BeforeAgent(ctx context.Context, state *wick.AgentState) error {
	workdir := h.b.Workdir()

	state.RegisterTool(wick.NewFuncTool(
		"ls",
		"List files and directories at a given path. Returns names, types, and sizes.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": fmt.Sprintf("Directory path to list (default: %s)", workdir)},
			},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			entries, err := h.fs.Ls(ctx, resolved)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(entries)
			return string(data), nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"read_file",
		"Read the contents of a file at the given path.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": fmt.Sprintf("Path to the file to read (relative to %s, or absolute within it)", workdir)},
			},
			"required": []string{"file_path"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			if path == "" {
				return "Error: file_path is required", nil
			}
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			content, err := h.fs.ReadFile(ctx, resolved)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			return content, nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"write_file",
		"Write content to a file at the given path. Creates the file and parent directories if they don't exist.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": fmt.Sprintf("Path to write the file (relative to %s, or absolute within it)", workdir)},
				"content":   map[string]any{"type": "string", "description": "Content to write"},
			},
			"required": []string{"file_path", "content"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return "Error: file_path is required", nil
			}
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			if _, err := h.fs.WriteFile(ctx, resolved, content); err != nil {
				return "Error: " + err.Error(), nil
			}
			if state.Files == nil {
				state.Files = map[string]string{}
			}
			state.Files[resolved] = content
			return fmt.Sprintf("File written: %s (%d bytes)", resolved, len(content)), nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"edit_file",
		"Edit a file by replacing old_text with new_text. The old_text must be an exact match.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": fmt.Sprintf("Path to the file to edit (relative to %s, or absolute within it)", workdir)},
				"old_text":  map[string]any{"type": "string", "description": "Exact text to find and replace"},
				"new_text":  map[string]any{"type": "string", "description": "Text to replace old_text with"},
			},
			"required": []string{"file_path", "old_text", "new_text"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			if path == "" {
				return "Error: file_path is required", nil
			}
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			if _, err := h.fs.EditFile(ctx, resolved, oldText, newText); err != nil {
				return "Error: " + err.Error(), nil
			}
			// Read back so state.Files tracks the post-edit content.
			content, readErr := h.fs.ReadFile(ctx, resolved)
			if readErr == nil && content != "" && !strings.HasPrefix(content, "Error:") {
				if state.Files == nil {
					state.Files = map[string]string{}
				}
				state.Files[resolved] = content
			}
			return "OK", nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"glob",
		"Find files matching a glob pattern. Returns matching file paths.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern (e.g., '*.py', '**/*.js')"},
				"path":    map[string]any{"type": "string", "description": fmt.Sprintf("Directory to search in (default: %s)", workdir)},
			},
			"required": []string{"pattern"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			result, err := h.fs.Glob(ctx, pattern, resolved)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(result)
			return string(data), nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"grep",
		"Search file contents for a pattern. Returns matching lines with file paths and line numbers.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Search pattern (regex supported)"},
				"path":    map[string]any{"type": "string", "description": fmt.Sprintf("File or directory to search in (default: %s)", workdir)},
			},
			"required": []string{"pattern"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			resolved, err := h.resolvePath(path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			result, err := h.fs.Grep(ctx, pattern, resolved)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(result)
			return string(data), nil
		},
	))

	state.RegisterTool(wick.NewFuncTool(
		"execute",
		"Execute an arbitrary shell command in the workspace.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command to execute"},
			},
			"required": []string{"command"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "Error: command is required", nil
			}
			// The backend applies the workdir, timeout, and output caps.
			result := h.b.Execute(ctx, command)
			return result.Output, nil
		},
	))

	return nil
}

// Tools whose results stay small enough that eviction never applies.
var evictionExempt = map[string]bool{
	"ls": true, "glob": true, "grep": true,
	"read_file": true, "edit_file": true, "write_file": true,
}

// WrapToolCall truncates oversized tool results to their first and last
// 2000 characters.
func (h *Filesystem) WrapToolCall(state *wick.AgentState, next wick.ToolCallFunc) wick.ToolCallFunc {
	return func(ctx context.Context, call wick.ToolCall) wick.ToolResult {
		result := next(ctx, call)
		if len(result.Content) > maxToolResultChars && !evictionExempt[call.Name] {
			head := result.Content[:2000]
			tail := result.Content[len(result.Content)-2000:]
			result.Content = fmt.Sprintf(
				"%s\n\n... [Output truncated: %d chars total. Showing first and last 2000 chars] ...\n\n%s",
				head, len(result.Content), tail,
			)
		}
		return result
	}
}
