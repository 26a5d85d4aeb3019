package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wicklab/wick/workfs"
)

// DaemonPort is the TCP port the wick-daemon listens on inside a container.
const DaemonPort = "9090"

// DaemonRequest is one command frame sent to the daemon, newline-delimited
// JSON.
type DaemonRequest struct {
	ID      string `json:"id"`
	Cmd     string `json:"cmd"`
	Workdir string `json:"workdir,omitempty"`
	Stdin   string `json:"stdin,omitempty"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// DaemonResponse is the daemon's reply frame.
type DaemonResponse struct {
	ID       string `json:"id"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// DaemonClient is a persistent connection to a wick-daemon. Requests are
// serialized with a mutex, so it is safe for concurrent use.
type DaemonClient struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  atomic.Int64
}

// DialDaemon connects to a wick-daemon. network is "tcp" or "unix".
func DialDaemon(network, addr string) (*DaemonClient, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon dial %s://%s: %w", network, addr, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &DaemonClient{conn: conn, enc: json.NewEncoder(conn), scanner: sc}, nil
}

// Exec sends one command and waits for its reply.
func (c *DaemonClient) Exec(ctx context.Context, cmd, workdir, stdin string, timeoutSec int) (*DaemonResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("daemon connection closed")
	}

	req := DaemonRequest{
		ID:      fmt.Sprintf("r%d", c.nextID.Add(1)),
		Cmd:     cmd,
		Workdir: workdir,
		Stdin:   stdin,
		Timeout: timeoutSec,
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if err := c.enc.Encode(req); err != nil {
		c.conn = nil
		return nil, fmt.Errorf("daemon send: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		// Command timeout plus slack for the daemon's own framing.
		d := time.Duration(timeoutSec)*time.Second + 5*time.Second
		if timeoutSec <= 0 {
			d = (DefaultTimeoutSeconds + 5) * time.Second
		}
		c.conn.SetReadDeadline(time.Now().Add(d))
	}

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		c.conn = nil
		if err != nil {
			return nil, fmt.Errorf("daemon read: %w", err)
		}
		return nil, fmt.Errorf("daemon connection closed")
	}

	var resp DaemonResponse
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("daemon response parse: %w", err)
	}
	return &resp, nil
}

// Ping verifies the daemon answers.
func (c *DaemonClient) Ping(ctx context.Context) error {
	resp, err := c.Exec(ctx, "echo ok", "/", "", 5)
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("ping failed: exit %d", resp.ExitCode)
	}
	return nil
}

// Alive reports whether the connection is still usable.
func (c *DaemonClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection.
func (c *DaemonClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// daemonExecutor adapts a DaemonClient to workfs.Executor so RemoteFS can
// run wickfs commands over the fast path.
type daemonExecutor struct {
	client  *DaemonClient
	workdir string
	timeout int // seconds
}

var _ workfs.Executor = (*daemonExecutor)(nil)

func (e *daemonExecutor) Run(ctx context.Context, command string) (string, int, error) {
	return e.exec(ctx, command, "")
}

func (e *daemonExecutor) RunWithStdin(ctx context.Context, command, stdin string) (string, int, error) {
	return e.exec(ctx, command, stdin)
}

func (e *daemonExecutor) exec(ctx context.Context, command, stdin string) (string, int, error) {
	resp, err := e.client.Exec(ctx, command, e.workdir, stdin, e.timeout)
	if err != nil {
		return "", 1, err
	}
	if resp.Error != "" {
		return resp.Error, resp.ExitCode, nil
	}
	// Stdout is primary; stderr only surfaces when stdout is empty or the
	// command failed, keeping wickfs JSON envelopes clean.
	output := resp.Stdout
	if output == "" && resp.Stderr != "" {
		output = resp.Stderr
	} else if resp.ExitCode != 0 && resp.Stderr != "" {
		output = strings.TrimRight(output, "\n") + "\n" + resp.Stderr
	}
	return output, resp.ExitCode, nil
}

// probeDaemon tries to reach a daemon over TCP at the container IP and
// returns a live client or nil.
func probeDaemon(containerIP string) *DaemonClient {
	if containerIP == "" {
		return nil
	}
	client, err := DialDaemon("tcp", containerIP+":"+DaemonPort)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if client.Ping(ctx) != nil {
		client.Close()
		return nil
	}
	return client
}
