// wick-daemon runs inside a sandbox container and executes shell
// commands for the host over a persistent connection, avoiding a docker
// exec round trip per command. The protocol is newline-delimited JSON:
// one request object per line, one response object per line, matched by
// id. Connections are concurrent; requests on one connection are
// sequential.
//
// Environment:
//
//	DAEMON_LISTEN — TCP listen address, default "0.0.0.0:9090"
//	DAEMON_SOCKET — Unix socket path, default "/tmp/wick-daemon.sock"
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wicklab/wick/backend"
)

const defaultTimeout = 120 * time.Second

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	listenAddr := envOr("DAEMON_LISTEN", "0.0.0.0:"+backend.DaemonPort)
	socketPath := envOr("DAEMON_SOCKET", "/tmp/wick-daemon.sock")

	var wg sync.WaitGroup
	var listeners []net.Listener

	tcpLn, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Error("tcp listen failed", "addr", listenAddr, "error", err)
		os.Exit(1)
	}
	listeners = append(listeners, tcpLn)
	log.Info("wick-daemon listening", "tcp", listenAddr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(tcpLn)
	}()

	// Stale sockets from a previous run block the bind.
	os.Remove(socketPath)
	unixLn, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Warn("unix socket unavailable, tcp only", "path", socketPath, "error", err)
	} else {
		listeners = append(listeners, unixLn)
		log.Info("wick-daemon listening", "unix", socketPath)
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptLoop(unixLn)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig

	log.Info("wick-daemon shutting down")
	for _, ln := range listeners {
		ln.Close()
	}
	wg.Wait()
}

func acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleConn(conn)
	}
}

// handleConn serves sequential request-response cycles until the peer
// disconnects.
func handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	// Large stdin payloads (file writes) need room beyond the default.
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req backend.DaemonRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(backend.DaemonResponse{Error: "invalid JSON: " + err.Error(), ExitCode: 1})
			continue
		}
		if err := enc.Encode(run(req)); err != nil {
			return
		}
	}
}

// run executes one command under sh -c with the request's workdir,
// stdin, and timeout applied.
func run(req backend.DaemonRequest) backend.DaemonResponse {
	if req.Cmd == "" {
		return backend.DaemonResponse{ID: req.ID, Error: "empty command", ExitCode: 1}
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Cmd)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return backend.DaemonResponse{
				ID:       req.ID,
				Error:    fmt.Sprintf("command timed out after %v", timeout),
				ExitCode: 124,
			}
		} else {
			return backend.DaemonResponse{ID: req.ID, Error: "exec error: " + err.Error(), ExitCode: 1}
		}
	}
	return backend.DaemonResponse{
		ID:       req.ID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
