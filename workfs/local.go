package workfs

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Result caps shared by both implementations. The wickfs helper applies the
// same limits inside containers.
const (
	MaxGrepMatches = 200
	MaxGlobFiles   = 100
)

// LocalFS implements FS with direct stdlib calls on the host filesystem.
type LocalFS struct {
	workdir string
}

// NewLocalFS creates a host filesystem. Exec runs commands in the
// process working directory; wickfs relies on this inside containers.
func NewLocalFS() *LocalFS {
	return &LocalFS{}
}

// NewLocalFSIn creates a host filesystem whose Exec runs commands in
// workdir.
func NewLocalFSIn(workdir string) *LocalFS {
	return &LocalFS{workdir: workdir}
}

var _ FS = (*LocalFS)(nil)

// Ls lists directory entries at path.
func (fs *LocalFS) Ls(_ context.Context, path string) ([]Entry, error) {
	if path == "" {
		path = "."
	}
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		typ := "file"
		switch {
		case d.IsDir():
			typ = "dir"
		case info.Mode()&os.ModeSymlink != 0:
			typ = "symlink"
		}
		out = append(out, Entry{Name: d.Name(), Type: typ, Size: info.Size()})
	}
	return out, nil
}

// ReadFile returns file contents. Binary content comes back base64-encoded
// with a "base64:" prefix so it survives the JSON envelope.
func (fs *LocalFS) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return "base64:" + base64.StdEncoding.EncodeToString(data), nil
}

// WriteFile writes content atomically (temp file + rename), creating parent
// directories as needed.
func (fs *LocalFS) WriteFile(_ context.Context, path, content string) (*WriteResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	return &WriteResult{Path: path, BytesWritten: len(content)}, nil
}

// EditFile replaces the first occurrence of oldText with newText.
func (fs *LocalFS) EditFile(_ context.Context, path, oldText, newText string) (*EditResult, error) {
	if oldText == "" {
		return nil, errors.New("old_text must not be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	original := string(data)
	if !strings.Contains(original, oldText) {
		return nil, errors.New("old_text not found in file")
	}
	updated := strings.Replace(original, oldText, newText, 1)
	if err := writeAtomic(path, updated); err != nil {
		return nil, err
	}
	return &EditResult{Path: path, Replacements: 1}, nil
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".wickfs-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	_, err = tmp.WriteString(content)
	tmp.Close()
	if err == nil {
		err = os.Chmod(name, 0o666)
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Grep searches files under path line by line for a regex pattern.
func (fs *LocalFS) Grep(_ context.Context, pattern, path string) (*GrepResult, error) {
	if path == "" {
		path = "."
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	matches := []GrepMatch{}
	truncated := false
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if binaryExt(filepath.Ext(p)) {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		line := 0
		for sc.Scan() {
			line++
			if re.MatchString(sc.Text()) {
				matches = append(matches, GrepMatch{File: p, Line: line, Text: sc.Text()})
				if len(matches) >= MaxGrepMatches {
					truncated = true
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	return &GrepResult{Matches: matches, Truncated: truncated}, nil
}

// Glob finds files whose base name matches a glob pattern under path.
func (fs *LocalFS) Glob(_ context.Context, pattern, path string) (*GlobResult, error) {
	if path == "" {
		path = "."
	}
	files := []string{}
	truncated := false
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, p)
			if len(files) >= MaxGlobFiles {
				truncated = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return &GlobResult{Files: files, Truncated: truncated}, nil
}

// Exec runs a shell command via sh -c in the configured workdir.
func (fs *LocalFS) Exec(ctx context.Context, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = fs.workdir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("execute: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// skipDir filters directories grep and glob never descend into.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") ||
		name == "node_modules" || name == "__pycache__" || name == "vendor"
}

func binaryExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp",
		".zip", ".tar", ".gz", ".bz2", ".xz", ".7z",
		".pdf", ".doc", ".docx", ".xls", ".xlsx",
		".so", ".dylib", ".dll", ".exe", ".o", ".a",
		".wasm", ".pyc", ".class",
		".mp3", ".mp4", ".avi", ".mov", ".wav", ".flac":
		return true
	}
	return false
}
