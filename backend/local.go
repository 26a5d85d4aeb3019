package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wicklab/wick/workfs"
)

// LocalBackend executes commands on the host via sh -c, rooted in a
// per-user subdirectory of the configured workdir. Filesystem operations
// use workfs.LocalFS directly.
type LocalBackend struct {
	workdir        string
	timeout        time.Duration
	maxOutputBytes int
	fs             *workfs.LocalFS
}

// NewLocalBackend creates a local backend. The effective workdir is
// workdir/username so users never share a workspace.
func NewLocalBackend(workdir string, timeoutSec float64, maxOutputBytes int, username string) *LocalBackend {
	if workdir == "" {
		workdir = "/tmp/wick-workspace"
	}
	if !filepath.IsAbs(workdir) {
		if abs, err := filepath.Abs(workdir); err == nil {
			workdir = abs
		}
	}
	if username != "" {
		workdir = filepath.Join(workdir, username)
	}
	if timeoutSec <= 0 {
		timeoutSec = DefaultTimeoutSeconds
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	os.MkdirAll(workdir, 0o755)

	return &LocalBackend{
		workdir:        workdir,
		timeout:        time.Duration(timeoutSec * float64(time.Second)),
		maxOutputBytes: maxOutputBytes,
		fs:             workfs.NewLocalFSIn(workdir),
	}
}

func (b *LocalBackend) ID() string      { return "local" }
func (b *LocalBackend) Workdir() string { return b.workdir }

func (b *LocalBackend) ResolvePath(path string) (string, error) {
	return resolvePath(b.workdir, path)
}

func (b *LocalBackend) TerminalCmd() []string { return []string{"sh"} }

func (b *LocalBackend) ContainerStatus() Status { return StatusNone }
func (b *LocalBackend) ContainerError() string  { return "" }

func (b *LocalBackend) FS() workfs.FS { return b.fs }

func (b *LocalBackend) Close() error { return nil }

// Execute runs a command in the workdir with the configured timeout.
func (b *LocalBackend) Execute(ctx context.Context, command string) ExecResult {
	return b.exec(ctx, command, nil)
}

// ExecuteWithStdin runs a command with stdin piped in.
func (b *LocalBackend) ExecuteWithStdin(ctx context.Context, command string, stdin io.Reader) ExecResult {
	return b.exec(ctx, command, stdin)
}

func (b *LocalBackend) exec(ctx context.Context, command string, stdin io.Reader) ExecResult {
	if command == "" {
		return ExecResult{Output: "Error: Command must be a non-empty string.", ExitCode: 1}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = b.workdir
	cmd.Stdin = stdin

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return ExecResult{
				Output:   fmt.Sprintf("Error: Command timed out after %.1f seconds.", b.timeout.Seconds()),
				ExitCode: 124,
			}
		default:
			return ExecResult{Output: "Error executing command: " + err.Error(), ExitCode: 1}
		}
	}

	output, truncated := assembleOutput(stdout.String(), stderr.String(), exitCode, b.maxOutputBytes)
	return ExecResult{Output: output, ExitCode: exitCode, Truncated: truncated}
}

// UploadFiles writes files under the workdir.
func (b *LocalBackend) UploadFiles(_ context.Context, files []FileUpload) []FileUploadResult {
	out := make([]FileUploadResult, len(files))
	for i, f := range files {
		resolved, err := b.ResolvePath(f.Path)
		if err != nil {
			out[i] = FileUploadResult{Path: f.Path, Error: err.Error()}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			out[i] = FileUploadResult{Path: resolved, Error: err.Error()}
			continue
		}
		if err := os.WriteFile(resolved, f.Content, 0o666); err != nil {
			out[i] = FileUploadResult{Path: resolved, Error: "permission_denied"}
			continue
		}
		out[i] = FileUploadResult{Path: resolved}
	}
	return out
}

// DownloadFiles reads files under the workdir.
func (b *LocalBackend) DownloadFiles(_ context.Context, paths []string) []FileDownloadResult {
	out := make([]FileDownloadResult, len(paths))
	for i, path := range paths {
		resolved, err := b.ResolvePath(path)
		if err != nil {
			out[i] = FileDownloadResult{Path: path, Error: err.Error()}
			continue
		}
		content, err := os.ReadFile(resolved)
		if err != nil {
			out[i] = FileDownloadResult{Path: resolved, Error: "file_not_found"}
			continue
		}
		out[i] = FileDownloadResult{Path: resolved, Content: content}
	}
	return out
}

var _ Backend = (*LocalBackend)(nil)
