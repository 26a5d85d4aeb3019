package workfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalWriteReadEdit(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "notes.txt")

	wr, err := fs.WriteFile(ctx, path, "hello world\n")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if wr.BytesWritten != len("hello world\n") {
		t.Errorf("BytesWritten = %d", wr.BytesWritten)
	}

	content, err := fs.ReadFile(ctx, path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "hello world\n" {
		t.Errorf("content = %q", content)
	}

	er, err := fs.EditFile(ctx, path, "world", "wick")
	if err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	if er.Replacements != 1 {
		t.Errorf("Replacements = %d", er.Replacements)
	}
	content, _ = fs.ReadFile(ctx, path)
	if content != "hello wick\n" {
		t.Errorf("edited content = %q", content)
	}
}

func TestLocalEditErrors(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.txt")
	if _, err := fs.WriteFile(ctx, path, "abc"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := fs.EditFile(ctx, path, "", "x"); err == nil {
		t.Error("empty old_text accepted")
	}
	if _, err := fs.EditFile(ctx, path, "missing", "x"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing old_text err = %v", err)
	}
}

func TestLocalEditReplacesFirstOnly(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.txt")
	if _, err := fs.WriteFile(ctx, path, "x x x"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := fs.EditFile(ctx, path, "x", "y"); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	content, _ := fs.ReadFile(ctx, path)
	if content != "y x x" {
		t.Errorf("content = %q, want first occurrence replaced", content)
	}
}

func TestLocalReadBinary(t *testing.T) {
	fs := NewLocalFS()
	path := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := fs.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(content, "base64:") {
		t.Errorf("binary content not base64-wrapped: %q", content)
	}
}

func TestLocalLs(t *testing.T) {
	fs := NewLocalFS()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aa"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.Ls(context.Background(), dir)
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if byName["child"].Type != "dir" {
		t.Errorf("child type = %q", byName["child"].Type)
	}
	if byName["a.txt"].Type != "file" || byName["a.txt"].Size != 2 {
		t.Errorf("a.txt entry = %+v", byName["a.txt"])
	}
}

func TestLocalGrepAndGlob(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()
	dir := t.TempDir()
	files := map[string]string{
		"main.go":             "package main\nfunc main() {}\n",
		"util.go":             "package main\nfunc helper() {}\n",
		"docs/readme.md":      "func is not code here\n",
		".hidden/secret.go":   "func hidden() {}\n",
		"vendor/dep/dep.go":   "func vendored() {}\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if _, err := fs.WriteFile(ctx, path, content); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	grep, err := fs.Grep(ctx, `^func \w+`, dir)
	if err != nil {
		t.Fatalf("Grep: %v", err)
	}
	for _, m := range grep.Matches {
		if strings.Contains(m.File, ".hidden") || strings.Contains(m.File, "vendor") {
			t.Errorf("grep descended into skipped dir: %s", m.File)
		}
	}
	if len(grep.Matches) != 2 {
		t.Errorf("grep matches = %d, want 2: %+v", len(grep.Matches), grep.Matches)
	}

	if _, err := fs.Grep(ctx, `[unclosed`, dir); err == nil {
		t.Error("invalid regex accepted")
	}

	glob, err := fs.Glob(ctx, "*.go", dir)
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(glob.Files) != 2 {
		t.Errorf("glob files = %v, want the two visible .go files", glob.Files)
	}
}

func TestLocalExec(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	res, err := fs.Exec(ctx, "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLocalExecWorkdir(t *testing.T) {
	dir := t.TempDir()
	fs := NewLocalFSIn(dir)

	res, err := fs.Exec(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("cwd = %q, want %q", got, want)
	}
}
