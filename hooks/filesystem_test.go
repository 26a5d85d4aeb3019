package hooks

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
)

func newFilesystemState(t *testing.T) (*Filesystem, *wick.AgentState) {
	t.Helper()
	h := NewFilesystem(backend.NewStateBackend("/workspace"))
	state := wick.NewAgentState("th")
	if err := h.BeforeAgent(context.Background(), state); err != nil {
		t.Fatalf("BeforeAgent: %v", err)
	}
	return h, state
}

func TestFilesystemRegistersTools(t *testing.T) {
	_, state := newFilesystemState(t)
	for _, name := range []string{"ls", "read_file", "write_file", "edit_file", "glob", "grep", "execute"} {
		findTool(t, state, name)
	}
}

func TestFilesystemWriteReadEdit(t *testing.T) {
	ctx := context.Background()
	_, state := newFilesystemState(t)

	write := findTool(t, state, "write_file")
	out, err := write.Execute(ctx, map[string]any{"file_path": "notes.md", "content": "first draft"})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if !strings.Contains(out, "/workspace/notes.md") {
		t.Errorf("write output = %q", out)
	}
	if state.Files["/workspace/notes.md"] != "first draft" {
		t.Errorf("state.Files = %v", state.Files)
	}

	read := findTool(t, state, "read_file")
	out, _ = read.Execute(ctx, map[string]any{"file_path": "notes.md"})
	if out != "first draft" {
		t.Errorf("read output = %q", out)
	}

	edit := findTool(t, state, "edit_file")
	out, _ = edit.Execute(ctx, map[string]any{
		"file_path": "notes.md", "old_text": "first", "new_text": "final",
	})
	if out != "OK" {
		t.Errorf("edit output = %q", out)
	}
	if state.Files["/workspace/notes.md"] != "final draft" {
		t.Errorf("state.Files after edit = %v", state.Files)
	}
}

func TestFilesystemPathEscape(t *testing.T) {
	ctx := context.Background()
	_, state := newFilesystemState(t)

	for _, path := range []string{"../etc/passwd", "/etc/passwd", "a/../../b"} {
		read := findTool(t, state, "read_file")
		out, err := read.Execute(ctx, map[string]any{"file_path": path})
		if err != nil {
			t.Fatalf("read_file(%q): %v", path, err)
		}
		if !strings.Contains(out, "escapes workspace") {
			t.Errorf("read_file(%q) = %q, want an escape error", path, out)
		}
	}
}

func TestFilesystemMissingArgs(t *testing.T) {
	ctx := context.Background()
	_, state := newFilesystemState(t)

	read := findTool(t, state, "read_file")
	if out, _ := read.Execute(ctx, map[string]any{}); !strings.Contains(out, "required") {
		t.Errorf("read_file without path = %q", out)
	}
	exec := findTool(t, state, "execute")
	if out, _ := exec.Execute(ctx, map[string]any{}); !strings.Contains(out, "required") {
		t.Errorf("execute without command = %q", out)
	}
}

func TestFilesystemExecuteUsesBackend(t *testing.T) {
	b := backend.NewLocalBackend(t.TempDir(), 5, 10_000, "alice")
	h := NewFilesystem(b)
	state := wick.NewAgentState("th")
	if err := h.BeforeAgent(context.Background(), state); err != nil {
		t.Fatalf("BeforeAgent: %v", err)
	}

	execTool := findTool(t, state, "execute")
	out, err := execTool.Execute(context.Background(), map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", out, err)
	}
	want, _ := filepath.EvalSymlinks(b.Workdir())
	if got != want {
		t.Errorf("execute cwd = %q, want the per-user workdir %q", got, want)
	}
}

func TestFilesystemTruncatesLargeResults(t *testing.T) {
	h, state := newFilesystemState(t)

	big := strings.Repeat("x", maxToolResultChars+1000)
	inner := func(ctx context.Context, call wick.ToolCall) wick.ToolResult {
		return wick.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: big}
	}
	wrapped := h.WrapToolCall(state, inner)

	res := wrapped(context.Background(), wick.ToolCall{ID: "c1", Name: "execute"})
	if len(res.Content) > 4200 {
		t.Errorf("truncated content length = %d, want <= 4200", len(res.Content))
	}
	if !strings.Contains(res.Content, "Output truncated") {
		t.Error("truncation marker missing")
	}
	if !strings.HasPrefix(res.Content, "xxxx") || !strings.HasSuffix(res.Content, "xxxx") {
		t.Error("head/tail excerpt missing")
	}

	// read_file results pass through untouched regardless of size.
	res = wrapped(context.Background(), wick.ToolCall{ID: "c2", Name: "read_file"})
	if len(res.Content) != len(big) {
		t.Errorf("exempt tool truncated: %d bytes", len(res.Content))
	}
}
