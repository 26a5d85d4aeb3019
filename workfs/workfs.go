// Package workfs provides typed filesystem operations over an agent
// workspace. Local workspaces use direct stdlib calls; container
// workspaces serialize each operation to the wickfs helper binary through
// the backend's command transport.
package workfs

import (
	"context"
	"encoding/json"
)

// FS is the set of workspace filesystem operations exposed to agents.
type FS interface {
	Ls(ctx context.Context, path string) ([]Entry, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (*WriteResult, error)
	EditFile(ctx context.Context, path, oldText, newText string) (*EditResult, error)
	Grep(ctx context.Context, pattern, path string) (*GrepResult, error)
	Glob(ctx context.Context, pattern, path string) (*GlobResult, error)
	Exec(ctx context.Context, command string) (*ExecResult, error)
}

// Entry is one directory listing entry.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file", "dir", "symlink"
	Size int64  `json:"size"`
}

// WriteResult reports a completed write.
type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// EditResult reports a completed edit.
type EditResult struct {
	Path         string `json:"path"`
	Replacements int    `json:"replacements"`
}

// GrepMatch is one grep hit.
type GrepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GrepResult holds grep hits, capped at MaxGrepMatches.
type GrepResult struct {
	Matches   []GrepMatch `json:"matches"`
	Truncated bool        `json:"truncated"`
}

// GlobResult holds matching paths, capped at MaxGlobFiles.
type GlobResult struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Envelope is the JSON wrapper every wickfs helper invocation prints on
// stdout. Data holds the operation-specific result when OK is true.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// OKEnvelope wraps a result value for helper output.
func OKEnvelope(data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{OK: true, Data: raw}
}

// ErrEnvelope wraps an error for helper output.
func ErrEnvelope(err error) Envelope {
	return Envelope{OK: false, Error: err.Error()}
}
