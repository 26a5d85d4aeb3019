// Package backend provides the workspace execution backends agents run
// commands and file operations against: an in-memory state backend, a
// host-local backend, and a Docker container backend with an in-container
// exec daemon.
package backend

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/wicklab/wick/workfs"
)

// Status is the container lifecycle state of a backend. Backends without a
// container report StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusIdle      Status = "idle"
	StatusLaunching Status = "launching"
	StatusLaunched  Status = "launched"
	StatusError     Status = "error"
)

// Defaults applied by backend constructors.
const (
	DefaultTimeoutSeconds = 120
	DefaultMaxOutputBytes = 100_000
)

// Backend executes commands and transfers files inside one user's
// workspace.
type Backend interface {
	// ID identifies the backend kind ("state", "local", "docker").
	ID() string

	// Workdir is the workspace root all paths resolve under.
	Workdir() string

	// ResolvePath normalizes a path and rejects escapes from the workdir.
	ResolvePath(path string) (string, error)

	// TerminalCmd is the command an interactive terminal session would run.
	TerminalCmd() []string

	// Execute runs a shell command and returns assembled output.
	Execute(ctx context.Context, command string) ExecResult

	// ExecuteWithStdin runs a shell command with stdin piped in.
	ExecuteWithStdin(ctx context.Context, command string, stdin io.Reader) ExecResult

	// UploadFiles writes files into the workspace.
	UploadFiles(ctx context.Context, files []FileUpload) []FileUploadResult

	// DownloadFiles reads files out of the workspace.
	DownloadFiles(ctx context.Context, paths []string) []FileDownloadResult

	// ContainerStatus reports the container lifecycle state.
	ContainerStatus() Status

	// ContainerError is the failure detail when ContainerStatus is error.
	ContainerError() string

	// FS returns typed filesystem operations over the workspace.
	FS() workfs.FS

	// Close releases backend resources (container, daemon connection).
	Close() error
}

// ExecResult is the agent-facing outcome of a command: a single assembled
// output string plus exit code.
type ExecResult struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated"`
}

// FileUpload is one file to write into the workspace.
type FileUpload struct {
	Path    string
	Content []byte
}

// FileUploadResult reports one upload.
type FileUploadResult struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// FileDownloadResult reports one download.
type FileDownloadResult struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// resolvePath joins a possibly-relative path onto workdir and verifies the
// cleaned result stays inside it.
func resolvePath(workdir, path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workdir, p)
	}
	q := filepath.Clean(p)
	w := filepath.Clean(workdir)
	if q != w && !strings.HasPrefix(q, w+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return q, nil
}

// assembleOutput merges stdout and stderr into the single output string
// agents see: stdout first, stderr lines tagged, "<no output>" when both
// are empty, truncation at maxOutputBytes, and a trailing exit-code note on
// failure.
func assembleOutput(stdout, stderr string, exitCode, maxOutputBytes int) (string, bool) {
	var parts []string
	if stdout != "" {
		parts = append(parts, stdout)
	}
	if stderr != "" {
		for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
			parts = append(parts, "[stderr] "+line)
		}
	}

	output := "<no output>"
	if len(parts) > 0 {
		output = strings.Join(parts, "\n")
	}

	truncated := false
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
		output += fmt.Sprintf("\n\n... Output truncated at %d bytes.", maxOutputBytes)
		truncated = true
	}

	if exitCode != 0 {
		output = strings.TrimRight(output, "\n") + fmt.Sprintf("\n\nExit code: %d", exitCode)
	}
	return output, truncated
}
