// wickfs is the in-container helper behind remote workspace filesystem
// operations. Each invocation runs one subcommand and prints a JSON
// envelope {"ok":bool,"data":...,"error":...} on stdout. The write and
// edit subcommands take their payload on stdin so arbitrary content
// never passes through shell quoting.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/wicklab/wick/workfs"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: wickfs <command> [args...]")
		fmt.Fprintln(os.Stderr, "commands: ls, read, write, edit, grep, glob, exec")
		os.Exit(2)
	}

	ctx := context.Background()
	fs := workfs.NewLocalFS()

	var (
		result any
		err    error
	)
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "ls":
		result, err = fs.Ls(ctx, argAt(args, 0, "."))
	case "read":
		if len(args) < 1 {
			fail("read: path required")
		}
		result, err = fs.ReadFile(ctx, args[0])
	case "write":
		if len(args) < 1 {
			fail("write: path required")
		}
		var content []byte
		content, err = io.ReadAll(os.Stdin)
		if err == nil {
			result, err = fs.WriteFile(ctx, args[0], string(content))
		}
	case "edit":
		if len(args) < 1 {
			fail("edit: path required")
		}
		var payload struct {
			OldText string `json:"old_text"`
			NewText string `json:"new_text"`
		}
		if err = json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
			err = fmt.Errorf("edit: parse stdin payload: %w", err)
		} else {
			result, err = fs.EditFile(ctx, args[0], payload.OldText, payload.NewText)
		}
	case "grep":
		if len(args) < 1 {
			fail("grep: pattern required")
		}
		result, err = fs.Grep(ctx, args[0], argAt(args, 1, "."))
	case "glob":
		if len(args) < 1 {
			fail("glob: pattern required")
		}
		result, err = fs.Glob(ctx, args[0], argAt(args, 1, "."))
	case "exec":
		if len(args) < 1 {
			fail("exec: command required")
		}
		result, err = fs.Exec(ctx, args[0])
	default:
		fail("unknown command: " + cmd)
	}

	enc := json.NewEncoder(os.Stdout)
	if err != nil {
		_ = enc.Encode(workfs.ErrEnvelope(err))
		os.Exit(1)
	}
	_ = enc.Encode(workfs.OKEnvelope(result))
}

func argAt(args []string, i int, fallback string) string {
	if i < len(args) && args[i] != "" {
		return args[i]
	}
	return fallback
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
