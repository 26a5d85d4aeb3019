package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/wicklab/wick/workfs"
)

// StateBackend keeps the whole workspace in memory: files live in a map and
// nothing ever touches the host. Command execution is not available.
type StateBackend struct {
	workdir string

	mu    sync.RWMutex
	files map[string]string
}

// NewStateBackend creates an in-memory backend rooted at a virtual workdir
// ("/workspace" when empty).
func NewStateBackend(workdir string) *StateBackend {
	if workdir == "" {
		workdir = "/workspace"
	}
	return &StateBackend{workdir: path.Clean(workdir), files: map[string]string{}}
}

func (b *StateBackend) ID() string      { return "state" }
func (b *StateBackend) Workdir() string { return b.workdir }

func (b *StateBackend) ResolvePath(p string) (string, error) {
	return resolvePath(b.workdir, p)
}

func (b *StateBackend) TerminalCmd() []string { return nil }

func (b *StateBackend) ContainerStatus() Status { return StatusNone }
func (b *StateBackend) ContainerError() string  { return "" }

func (b *StateBackend) Close() error { return nil }

// Execute always fails: there is no process to run against in-memory state.
func (b *StateBackend) Execute(context.Context, string) ExecResult {
	return ExecResult{
		Output:   "Error: Command execution is not supported on the state backend.",
		ExitCode: 1,
	}
}

func (b *StateBackend) ExecuteWithStdin(ctx context.Context, command string, _ io.Reader) ExecResult {
	return b.Execute(ctx, command)
}

func (b *StateBackend) UploadFiles(_ context.Context, files []FileUpload) []FileUploadResult {
	out := make([]FileUploadResult, len(files))
	for i, f := range files {
		resolved, err := b.ResolvePath(f.Path)
		if err != nil {
			out[i] = FileUploadResult{Path: f.Path, Error: err.Error()}
			continue
		}
		b.mu.Lock()
		b.files[resolved] = string(f.Content)
		b.mu.Unlock()
		out[i] = FileUploadResult{Path: resolved}
	}
	return out
}

func (b *StateBackend) DownloadFiles(_ context.Context, paths []string) []FileDownloadResult {
	out := make([]FileDownloadResult, len(paths))
	for i, p := range paths {
		resolved, err := b.ResolvePath(p)
		if err != nil {
			out[i] = FileDownloadResult{Path: p, Error: err.Error()}
			continue
		}
		b.mu.RLock()
		content, ok := b.files[resolved]
		b.mu.RUnlock()
		if !ok {
			out[i] = FileDownloadResult{Path: resolved, Error: "file_not_found"}
			continue
		}
		out[i] = FileDownloadResult{Path: resolved, Content: []byte(content)}
	}
	return out
}

func (b *StateBackend) FS() workfs.FS { return (*stateFS)(b) }

// stateFS adapts the in-memory file map to workfs.FS.
type stateFS StateBackend

func (fs *stateFS) backend() *StateBackend { return (*StateBackend)(fs) }

func (fs *stateFS) Ls(_ context.Context, dir string) ([]workfs.Entry, error) {
	b := fs.backend()
	if dir == "" {
		dir = b.workdir
	}
	dir = path.Clean(dir)

	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := map[string]workfs.Entry{}
	for p, content := range b.files {
		if p != dir && !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			seen[name] = workfs.Entry{Name: name, Type: "dir"}
		} else if rest != "" {
			seen[rest] = workfs.Entry{Name: rest, Type: "file", Size: int64(len(content))}
		}
	}

	out := make([]workfs.Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (fs *stateFS) ReadFile(_ context.Context, p string) (string, error) {
	b := fs.backend()
	b.mu.RLock()
	content, ok := b.files[path.Clean(p)]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no such file: %s", p)
	}
	return content, nil
}

func (fs *stateFS) WriteFile(_ context.Context, p, content string) (*workfs.WriteResult, error) {
	b := fs.backend()
	p = path.Clean(p)
	b.mu.Lock()
	b.files[p] = content
	b.mu.Unlock()
	return &workfs.WriteResult{Path: p, BytesWritten: len(content)}, nil
}

func (fs *stateFS) EditFile(_ context.Context, p, oldText, newText string) (*workfs.EditResult, error) {
	if oldText == "" {
		return nil, errors.New("old_text must not be empty")
	}
	b := fs.backend()
	p = path.Clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[p]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", p)
	}
	if !strings.Contains(content, oldText) {
		return nil, errors.New("old_text not found in file")
	}
	b.files[p] = strings.Replace(content, oldText, newText, 1)
	return &workfs.EditResult{Path: p, Replacements: 1}, nil
}

func (fs *stateFS) Grep(_ context.Context, pattern, dir string) (*workfs.GrepResult, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	b := fs.backend()
	if dir == "" {
		dir = b.workdir
	}
	dir = path.Clean(dir)

	b.mu.RLock()
	defer b.mu.RUnlock()

	paths := sortedPaths(b.files)
	matches := []workfs.GrepMatch{}
	truncated := false
	for _, p := range paths {
		if p != dir && !strings.HasPrefix(p, dir+"/") {
			continue
		}
		for i, line := range strings.Split(b.files[p], "\n") {
			if re.MatchString(line) {
				matches = append(matches, workfs.GrepMatch{File: p, Line: i + 1, Text: line})
				if len(matches) >= workfs.MaxGrepMatches {
					truncated = true
					return &workfs.GrepResult{Matches: matches, Truncated: truncated}, nil
				}
			}
		}
	}
	return &workfs.GrepResult{Matches: matches, Truncated: truncated}, nil
}

func (fs *stateFS) Glob(_ context.Context, pattern, dir string) (*workfs.GlobResult, error) {
	b := fs.backend()
	if dir == "" {
		dir = b.workdir
	}
	dir = path.Clean(dir)

	b.mu.RLock()
	defer b.mu.RUnlock()

	files := []string{}
	truncated := false
	for _, p := range sortedPaths(b.files) {
		if p != dir && !strings.HasPrefix(p, dir+"/") {
			continue
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			files = append(files, p)
			if len(files) >= workfs.MaxGlobFiles {
				truncated = true
				break
			}
		}
	}
	return &workfs.GlobResult{Files: files, Truncated: truncated}, nil
}

func (fs *stateFS) Exec(context.Context, string) (*workfs.ExecResult, error) {
	return nil, errors.New("exec is not supported on the state backend")
}

func sortedPaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var _ Backend = (*StateBackend)(nil)
