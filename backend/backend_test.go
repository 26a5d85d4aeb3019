package backend

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

// evalSymlinks normalizes paths so comparisons survive symlinked temp dirs.
func evalSymlinks(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", path, err)
	}
	return resolved
}

func TestLocalBackendExecRunsInUserWorkdir(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 5, 10_000, "alice")
	want := evalSymlinks(t, b.Workdir())

	res := b.Execute(context.Background(), "pwd")
	if res.ExitCode != 0 {
		t.Fatalf("Execute pwd: %+v", res)
	}
	if got := evalSymlinks(t, strings.TrimSpace(res.Output)); got != want {
		t.Errorf("Execute cwd = %q, want %q", got, want)
	}

	fsRes, err := b.FS().Exec(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("FS Exec pwd: %v", err)
	}
	if got := evalSymlinks(t, strings.TrimSpace(fsRes.Stdout)); got != want {
		t.Errorf("FS Exec cwd = %q, want %q", got, want)
	}
}

func TestLocalBackendExecTimeout(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 0.2, 10_000, "alice")
	res := b.Execute(context.Background(), "sleep 5")
	if res.ExitCode != 124 {
		t.Errorf("exit code = %d, want 124", res.ExitCode)
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "notes.md", want: "/workspace/notes.md"},
		{in: "a/b/../c.txt", want: "/workspace/a/c.txt"},
		{in: "/workspace/sub/f.go", want: "/workspace/sub/f.go"},
		{in: ".", want: "/workspace"},
		{in: "../etc/passwd", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "/workspace2/f", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolvePath("/workspace", tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("resolvePath(%q) = %q, want error", tt.in, got)
			} else if !strings.Contains(err.Error(), "escapes workspace") {
				t.Errorf("resolvePath(%q) error = %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolvePath(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolvePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAssembleOutput(t *testing.T) {
	tests := []struct {
		name           string
		stdout, stderr string
		exitCode       int
		want           string
		wantTruncated  bool
	}{
		{name: "stdout only", stdout: "hello\n", want: "hello\n"},
		{name: "empty", want: "<no output>"},
		{
			name: "stderr tagged per line",
			stderr: "warn: a\nwarn: b\n",
			want:   "[stderr] warn: a\n[stderr] warn: b",
		},
		{
			name:   "stdout then stderr",
			stdout: "out",
			stderr: "err",
			want:   "out\n[stderr] err",
		},
		{
			name:     "exit code appended",
			stdout:   "boom\n",
			exitCode: 2,
			want:     "boom\n\nExit code: 2",
		},
		{
			name:     "no output with failure",
			exitCode: 1,
			want:     "<no output>\n\nExit code: 1",
		},
	}
	for _, tt := range tests {
		got, truncated := assembleOutput(tt.stdout, tt.stderr, tt.exitCode, DefaultMaxOutputBytes)
		if got != tt.want {
			t.Errorf("%s: output = %q, want %q", tt.name, got, tt.want)
		}
		if truncated != tt.wantTruncated {
			t.Errorf("%s: truncated = %v", tt.name, truncated)
		}
	}
}

func TestAssembleOutputTruncation(t *testing.T) {
	got, truncated := assembleOutput(strings.Repeat("z", 150), "", 0, 100)
	if !truncated {
		t.Fatal("truncated = false")
	}
	if !strings.HasPrefix(got, strings.Repeat("z", 100)) {
		t.Error("truncated output lost its prefix")
	}
	if !strings.Contains(got, "Output truncated at 100 bytes.") {
		t.Errorf("marker missing: %q", got)
	}
}

func TestStateBackendUploadDownload(t *testing.T) {
	ctx := context.Background()
	b := NewStateBackend("")
	if b.Workdir() != "/workspace" {
		t.Fatalf("default workdir = %q", b.Workdir())
	}

	results := b.UploadFiles(ctx, []FileUpload{
		{Path: "a.txt", Content: []byte("alpha")},
		{Path: "../escape.txt", Content: []byte("nope")},
	})
	if results[0].Error != "" || results[0].Path != "/workspace/a.txt" {
		t.Errorf("upload[0] = %+v", results[0])
	}
	if !strings.Contains(results[1].Error, "escapes workspace") {
		t.Errorf("upload[1] = %+v", results[1])
	}

	downloads := b.DownloadFiles(ctx, []string{"a.txt", "missing.txt"})
	if string(downloads[0].Content) != "alpha" {
		t.Errorf("download[0] = %+v", downloads[0])
	}
	if downloads[1].Error != "file_not_found" {
		t.Errorf("download[1] = %+v", downloads[1])
	}
}

func TestStateBackendExecuteUnsupported(t *testing.T) {
	b := NewStateBackend("")
	res := b.Execute(context.Background(), "ls")
	if res.ExitCode != 1 || !strings.Contains(res.Output, "not supported") {
		t.Errorf("Execute = %+v", res)
	}
}

func TestStateFSLs(t *testing.T) {
	ctx := context.Background()
	b := NewStateBackend("/workspace")
	fs := b.FS()
	_, _ = fs.WriteFile(ctx, "/workspace/top.txt", "12345")
	_, _ = fs.WriteFile(ctx, "/workspace/sub/inner.txt", "x")

	entries, err := fs.Ls(ctx, "/workspace")
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	// Sorted by name: sub before top.
	if entries[0].Name != "sub" || entries[0].Type != "dir" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Name != "top.txt" || entries[1].Type != "file" || entries[1].Size != 5 {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestStateFSEditFile(t *testing.T) {
	ctx := context.Background()
	fs := NewStateBackend("/workspace").FS()
	_, _ = fs.WriteFile(ctx, "/workspace/f.txt", "one two one")

	res, err := fs.EditFile(ctx, "/workspace/f.txt", "one", "ONE")
	if err != nil || res.Replacements != 1 {
		t.Fatalf("EditFile: %+v, %v", res, err)
	}
	content, _ := fs.ReadFile(ctx, "/workspace/f.txt")
	if content != "ONE two one" {
		t.Errorf("content = %q, want first occurrence only replaced", content)
	}

	if _, err := fs.EditFile(ctx, "/workspace/f.txt", "", "x"); err == nil {
		t.Error("empty old_text accepted")
	}
	if _, err := fs.EditFile(ctx, "/workspace/f.txt", "absent", "x"); err == nil {
		t.Error("missing old_text accepted")
	}
	if _, err := fs.EditFile(ctx, "/workspace/nope.txt", "a", "b"); err == nil {
		t.Error("missing file accepted")
	}
}

func TestStateFSGrepGlob(t *testing.T) {
	ctx := context.Background()
	fs := NewStateBackend("/workspace").FS()
	_, _ = fs.WriteFile(ctx, "/workspace/a.go", "package a\nfunc A() {}\n")
	_, _ = fs.WriteFile(ctx, "/workspace/sub/b.go", "package b\nfunc B() {}\n")
	_, _ = fs.WriteFile(ctx, "/workspace/readme.md", "func in prose\n")

	grep, err := fs.Grep(ctx, `^func `, "/workspace")
	if err != nil {
		t.Fatalf("Grep: %v", err)
	}
	if len(grep.Matches) != 3 {
		t.Fatalf("matches = %+v", grep.Matches)
	}
	if grep.Matches[0].File != "/workspace/a.go" || grep.Matches[0].Line != 2 {
		t.Errorf("match[0] = %+v", grep.Matches[0])
	}

	if _, err := fs.Grep(ctx, "([", "/workspace"); err == nil {
		t.Error("invalid regex accepted")
	}

	glob, err := fs.Glob(ctx, "*.go", "/workspace")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	want := []string{"/workspace/a.go", "/workspace/sub/b.go"}
	if len(glob.Files) != 2 || glob.Files[0] != want[0] || glob.Files[1] != want[1] {
		t.Errorf("glob = %v, want %v", glob.Files, want)
	}

	// Scoped to a subdirectory.
	glob, _ = fs.Glob(ctx, "*.go", "/workspace/sub")
	if len(glob.Files) != 1 || glob.Files[0] != "/workspace/sub/b.go" {
		t.Errorf("scoped glob = %v", glob.Files)
	}
}
