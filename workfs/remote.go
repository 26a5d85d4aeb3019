package workfs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Executor runs a command on a remote workspace (a container, via the
// daemon or docker exec) and returns combined output plus exit code.
type Executor interface {
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
	RunWithStdin(ctx context.Context, command, stdin string) (output string, exitCode int, err error)
}

// RemoteFS implements FS by invoking the wickfs helper binary through an
// Executor and decoding its JSON envelope.
type RemoteFS struct {
	exec Executor
}

// NewRemoteFS creates a remote filesystem backed by the given executor.
func NewRemoteFS(exec Executor) *RemoteFS {
	return &RemoteFS{exec: exec}
}

var _ FS = (*RemoteFS)(nil)

func (fs *RemoteFS) Ls(ctx context.Context, path string) ([]Entry, error) {
	var entries []Entry
	err := fs.run(ctx, &entries, "ls", path)
	return entries, err
}

func (fs *RemoteFS) ReadFile(ctx context.Context, path string) (string, error) {
	var content string
	err := fs.run(ctx, &content, "read", path)
	return content, err
}

func (fs *RemoteFS) WriteFile(ctx context.Context, path, content string) (*WriteResult, error) {
	var res WriteResult
	if err := fs.runStdin(ctx, &res, content, "write", path); err != nil {
		return nil, err
	}
	return &res, nil
}

func (fs *RemoteFS) EditFile(ctx context.Context, path, oldText, newText string) (*EditResult, error) {
	stdin, _ := json.Marshal(struct {
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}{oldText, newText})
	var res EditResult
	if err := fs.runStdin(ctx, &res, string(stdin), "edit", path); err != nil {
		return nil, err
	}
	return &res, nil
}

func (fs *RemoteFS) Grep(ctx context.Context, pattern, path string) (*GrepResult, error) {
	var res GrepResult
	if err := fs.run(ctx, &res, "grep", pattern, path); err != nil {
		return nil, err
	}
	return &res, nil
}

func (fs *RemoteFS) Glob(ctx context.Context, pattern, path string) (*GlobResult, error) {
	var res GlobResult
	if err := fs.run(ctx, &res, "glob", pattern, path); err != nil {
		return nil, err
	}
	return &res, nil
}

func (fs *RemoteFS) Exec(ctx context.Context, command string) (*ExecResult, error) {
	var res ExecResult
	if err := fs.run(ctx, &res, "exec", command); err != nil {
		return nil, err
	}
	return &res, nil
}

func buildCommand(sub string, args []string) string {
	cmd := "wickfs " + sub
	for _, a := range args {
		cmd += " " + ShellQuote(a)
	}
	return cmd
}

// run builds "wickfs <sub> <quoted args...>", executes it, and decodes the
// envelope data into out.
func (fs *RemoteFS) run(ctx context.Context, out any, sub string, args ...string) error {
	raw, _, err := fs.exec.Run(ctx, buildCommand(sub, args))
	if err != nil {
		return err
	}
	return fs.decode(raw, sub, out)
}

// runStdin is run for subcommands that take their payload on stdin.
func (fs *RemoteFS) runStdin(ctx context.Context, out any, stdin, sub string, args ...string) error {
	raw, _, err := fs.exec.RunWithStdin(ctx, buildCommand(sub, args), stdin)
	if err != nil {
		return err
	}
	return fs.decode(raw, sub, out)
}

func (fs *RemoteFS) decode(raw, sub string, out any) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if !env.OK {
		return fmt.Errorf("%s", env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parse %s data: %w", sub, err)
	}
	return nil
}

// ShellQuote single-quotes a string for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ParseEnvelope decodes the helper's JSON envelope. When the raw output has
// noise around the envelope (container init chatter, stray stderr), it falls
// back to the first line that parses as JSON.
func ParseEnvelope(output string) (Envelope, error) {
	output = strings.TrimSpace(output)
	var env Envelope
	if err := json.Unmarshal([]byte(output), &env); err == nil {
		return env, nil
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal([]byte(line), &env); err == nil {
			return env, nil
		}
	}
	short := output
	if len(short) > 200 {
		short = short[:200] + "..."
	}
	return env, fmt.Errorf("unparseable wickfs output: %s", short)
}
