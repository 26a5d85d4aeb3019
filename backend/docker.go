package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/wicklab/wick/workfs"
)

// Container boot script: prefer the wick-daemon entrypoint when the image
// carries it, otherwise just keep the container alive for docker exec.
const containerBoot = "if command -v wick-daemon >/dev/null 2>&1; then exec wick-daemon; else exec sleep infinity; fi"

// DockerBackend executes commands inside a Docker container managed through
// the Engine API. When the wick-daemon is reachable inside the container,
// commands flow over a direct TCP connection; otherwise they fall back to
// exec through the Docker API.
type DockerBackend struct {
	containerName  string
	workdir        string
	timeout        time.Duration
	maxOutputBytes int
	image          string
	username       string
	cli            *client.Client
	log            *slog.Logger

	mu           sync.Mutex
	status       Status
	statusErr    string
	cancelLaunch context.CancelFunc
	hasWickfs    bool

	daemonClient *DaemonClient
	daemonFS     *workfs.RemoteFS

	// execFS is the fallback RemoteFS going through Docker API exec.
	execFS *workfs.RemoteFS
}

// NewDockerBackend creates a Docker backend. dockerHost overrides the
// environment's Docker endpoint when non-empty.
func NewDockerBackend(containerName, workdir string, timeoutSec float64, maxOutputBytes int, dockerHost, image, username string, log *slog.Logger) (*DockerBackend, error) {
	if containerName == "" {
		containerName = "wick-sandbox"
	}
	if workdir == "" {
		workdir = "/workspace"
	}
	if timeoutSec <= 0 {
		timeoutSec = DefaultTimeoutSeconds
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if image == "" {
		image = "wick-sandbox"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	b := &DockerBackend{
		containerName:  containerName,
		workdir:        workdir,
		timeout:        time.Duration(timeoutSec * float64(time.Second)),
		maxOutputBytes: maxOutputBytes,
		image:          image,
		username:       username,
		cli:            cli,
		log:            log,
		status:         StatusIdle,
	}
	b.execFS = workfs.NewRemoteFS(&apiExecutor{backend: b})
	return b, nil
}

// apiExecutor routes wickfs commands through Execute (Docker API exec path).
type apiExecutor struct {
	backend *DockerBackend
}

func (e *apiExecutor) Run(ctx context.Context, command string) (string, int, error) {
	res := e.backend.Execute(ctx, command)
	return res.Output, res.ExitCode, nil
}

func (e *apiExecutor) RunWithStdin(ctx context.Context, command, stdin string) (string, int, error) {
	res := e.backend.ExecuteWithStdin(ctx, command, strings.NewReader(stdin))
	return res.Output, res.ExitCode, nil
}

func (b *DockerBackend) ID() string      { return b.containerName }
func (b *DockerBackend) Workdir() string { return b.workdir }

func (b *DockerBackend) ResolvePath(path string) (string, error) {
	return resolvePath(b.workdir, path)
}

func (b *DockerBackend) TerminalCmd() []string {
	return []string{"docker", "exec", "-i", "-e", "TERM=xterm-256color", "-w", b.workdir, b.containerName, "sh"}
}

// FS prefers the daemon-backed filesystem when connected.
func (b *DockerBackend) FS() workfs.FS {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.daemonFS != nil {
		return b.daemonFS
	}
	return b.execFS
}

func (b *DockerBackend) ContainerStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *DockerBackend) ContainerError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusErr
}

// LaunchAsync starts the container in the background, moving status through
// launching to launched or error. onStatus, when non-nil, is called after
// every transition.
func (b *DockerBackend) LaunchAsync(onStatus func(status Status, username string)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancelLaunch = cancel
	b.status = StatusLaunching
	b.statusErr = ""
	b.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusLaunching, b.username)
	}

	go func() {
		defer cancel()

		err := b.ensureContainer(ctx)
		if err == nil {
			if daemonErr := b.ensureDaemon(ctx); daemonErr != nil {
				b.log.Info("wick-daemon not available, falling back to API exec", "err", daemonErr)
				if fsErr := b.ensureWickfs(ctx); fsErr != nil {
					b.log.Warn("wickfs not available in container", "err", fsErr)
				}
			}
		}

		b.mu.Lock()
		if ctx.Err() != nil {
			b.status = StatusIdle
		} else if err != nil {
			b.status = StatusError
			b.statusErr = err.Error()
		} else {
			b.status = StatusLaunched
		}
		status := b.status
		b.mu.Unlock()

		if onStatus != nil {
			onStatus(status, b.username)
		}
	}()
}

// CancelLaunch aborts an in-flight launch.
func (b *DockerBackend) CancelLaunch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelLaunch != nil {
		b.cancelLaunch()
		b.cancelLaunch = nil
	}
}

// Close stops the container and releases the daemon connection.
func (b *DockerBackend) Close() error {
	b.CancelLaunch()

	b.mu.Lock()
	if b.daemonClient != nil {
		b.daemonClient.Close()
		b.daemonClient = nil
		b.daemonFS = nil
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := b.cli.ContainerRemove(ctx, b.containerName, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}

	b.mu.Lock()
	b.status = StatusIdle
	b.statusErr = ""
	b.mu.Unlock()
	return nil
}

// ensureContainer checks the container is running, creating and starting it
// when needed.
func (b *DockerBackend) ensureContainer(ctx context.Context) error {
	if insp, err := b.cli.ContainerInspect(ctx, b.containerName); err == nil {
		if insp.State != nil && insp.State.Running {
			return nil
		}
		// Stale container: remove before relaunch.
		b.cli.ContainerRemove(ctx, b.containerName, container.RemoveOptions{Force: true})
	}

	b.log.Info("launching sandbox container", "container", b.containerName, "image", b.image)

	created, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:      b.image,
		WorkingDir: b.workdir,
		Cmd:        []string{"sh", "-c", containerBoot},
	}, &container.HostConfig{}, nil, nil, b.containerName)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// waitForContainer blocks until the container is usable: immediately when
// launched, synchronous launch when idle, polling up to 60s when a
// background launch is in flight.
func (b *DockerBackend) waitForContainer(ctx context.Context) error {
	b.mu.Lock()
	status := b.status
	b.mu.Unlock()

	switch status {
	case StatusLaunched:
		return nil
	case StatusIdle:
		if err := b.ensureContainer(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		b.status = StatusLaunched
		b.mu.Unlock()
		return nil
	case StatusLaunching:
		for i := 0; i < 120; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			b.mu.Lock()
			s := b.status
			b.mu.Unlock()
			if s == StatusLaunched {
				return nil
			}
			if s == StatusError || s == StatusIdle {
				break
			}
		}
	}

	b.mu.Lock()
	errMsg := b.statusErr
	b.mu.Unlock()
	return fmt.Errorf("container not available (status: %s). %s", status, errMsg)
}

// Execute runs a command in the container, over the daemon when connected.
func (b *DockerBackend) Execute(ctx context.Context, command string) ExecResult {
	return b.execute(ctx, command, nil)
}

// ExecuteWithStdin runs a command with stdin piped in.
func (b *DockerBackend) ExecuteWithStdin(ctx context.Context, command string, stdin io.Reader) ExecResult {
	return b.execute(ctx, command, stdin)
}

func (b *DockerBackend) execute(ctx context.Context, command string, stdin io.Reader) ExecResult {
	if command == "" {
		return ExecResult{Output: "Error: Command must be a non-empty string.", ExitCode: 1}
	}
	if err := b.waitForContainer(ctx); err != nil {
		return ExecResult{Output: "Error: " + err.Error(), ExitCode: 1}
	}

	if c := b.liveDaemon(); c != nil {
		var stdinStr string
		if stdin != nil {
			raw, _ := io.ReadAll(stdin)
			stdinStr = string(raw)
		}
		return b.execViaDaemon(ctx, c, command, stdinStr)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := b.apiExec(ctx, []string{"sh", "-c", command}, b.workdir, stdin, false)
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{
				Output:   fmt.Sprintf("Error: Command timed out after %.1f seconds.", b.timeout.Seconds()),
				ExitCode: 124,
			}
		}
		return ExecResult{Output: "Error executing command in container: " + err.Error(), ExitCode: 1}
	}
	return b.containerResult(stdout, stderr, exitCode)
}

// containerResult assembles output the container way: stdout is primary,
// stderr only surfaces when stdout is empty or the command failed. This
// keeps wickfs JSON envelopes free of stderr noise.
func (b *DockerBackend) containerResult(stdout, stderr string, exitCode int) ExecResult {
	output := stdout
	if output == "" && stderr != "" {
		output = stderr
	} else if exitCode != 0 && stderr != "" {
		output = strings.TrimRight(output, "\n") + "\n" + stderr
	}
	if output == "" {
		output = "<no output>"
	}

	truncated := false
	if len(output) > b.maxOutputBytes {
		output = output[:b.maxOutputBytes]
		output += fmt.Sprintf("\n\n... Output truncated at %d bytes.", b.maxOutputBytes)
		truncated = true
	}

	if exitCode != 0 {
		output = strings.TrimRight(output, "\n") + fmt.Sprintf("\n\nExit code: %d", exitCode)
	}

	if stderr != "" && exitCode == 0 && stdout != "" {
		b.log.Debug("container exec stderr suppressed", "stderr", strings.TrimSpace(stderr))
	}
	return ExecResult{Output: output, ExitCode: exitCode, Truncated: truncated}
}

// apiExec runs one exec through the Engine API, demuxing stdout/stderr.
func (b *DockerBackend) apiExec(ctx context.Context, cmd []string, workdir string, stdin io.Reader, detach bool) (string, string, int, error) {
	created, err := b.cli.ContainerExecCreate(ctx, b.containerName, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: !detach,
		AttachStderr: !detach,
		AttachStdin:  stdin != nil,
		Detach:       detach,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec create: %w", err)
	}

	if detach {
		if err := b.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
			return "", "", 0, fmt.Errorf("exec start: %w", err)
		}
		return "", "", 0, nil
	}

	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		io.Copy(attach.Conn, stdin)
		attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return "", "", 0, ctx.Err()
		}
		return "", "", 0, fmt.Errorf("exec read: %w", err)
	}

	exitCode := 0
	for {
		insp, err := b.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return "", "", 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !insp.Running {
			exitCode = insp.ExitCode
			break
		}
		select {
		case <-ctx.Done():
			return "", "", 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// execViaDaemon sends a command over the persistent daemon connection.
func (b *DockerBackend) execViaDaemon(ctx context.Context, c *DaemonClient, command, stdin string) ExecResult {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := c.Exec(ctx, command, b.workdir, stdin, int(b.timeout.Seconds()))
	if err != nil {
		b.log.Warn("daemon exec failed, dropping fast path", "err", err)
		b.mu.Lock()
		b.daemonClient = nil
		b.daemonFS = nil
		b.mu.Unlock()
		return ExecResult{Output: "Error: daemon connection lost: " + err.Error(), ExitCode: 1}
	}
	if resp.Error != "" {
		return ExecResult{Output: resp.Error, ExitCode: resp.ExitCode}
	}
	return b.containerResult(resp.Stdout, resp.Stderr, resp.ExitCode)
}

func (b *DockerBackend) liveDaemon() *DaemonClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.daemonClient != nil && b.daemonClient.Alive() {
		return b.daemonClient
	}
	return nil
}

// ensureDaemon connects to the in-container daemon, injecting and starting
// the binary when the image does not carry it.
func (b *DockerBackend) ensureDaemon(ctx context.Context) error {
	ip, err := b.containerIP(ctx)
	if err != nil {
		return err
	}

	if c := probeDaemon(ip); c != nil {
		b.adoptDaemon(c)
		return nil
	}

	if err := b.injectAndStartDaemon(ctx); err != nil {
		return err
	}

	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if c := probeDaemon(ip); c != nil {
			b.adoptDaemon(c)
			return nil
		}
	}
	return fmt.Errorf("wick-daemon injected but not reachable at %s:%s", ip, DaemonPort)
}

func (b *DockerBackend) adoptDaemon(c *DaemonClient) {
	exec := &daemonExecutor{client: c, workdir: b.workdir, timeout: int(b.timeout.Seconds())}
	b.mu.Lock()
	b.daemonClient = c
	b.daemonFS = workfs.NewRemoteFS(exec)
	b.mu.Unlock()
	b.log.Info("wick-daemon connected", "container", b.containerName)
}

func (b *DockerBackend) injectAndStartDaemon(ctx context.Context) error {
	bin := findHelperBinary("WICKDAEMON_BIN", "wick-daemon")
	if bin == "" {
		return fmt.Errorf("wick-daemon binary not found (set WICKDAEMON_BIN or place in ./bin/)")
	}
	if err := b.copyBinary(ctx, bin, "wick-daemon"); err != nil {
		return fmt.Errorf("inject wick-daemon: %w", err)
	}
	if _, _, _, err := b.apiExec(ctx, []string{"/usr/local/bin/wick-daemon"}, "/", nil, true); err != nil {
		return fmt.Errorf("start wick-daemon: %w", err)
	}
	b.log.Info("wick-daemon injected and started", "container", b.containerName)
	return nil
}

// ensureWickfs makes the wickfs helper available for the exec fallback
// path: probe for a pre-baked binary, then inject from the host.
func (b *DockerBackend) ensureWickfs(ctx context.Context) error {
	stdout, _, exitCode, err := b.apiExec(ctx, []string{"wickfs", "ls", "/"}, "/", nil, false)
	if err == nil && exitCode == 0 && strings.Contains(stdout, `"ok"`) {
		b.mu.Lock()
		b.hasWickfs = true
		b.mu.Unlock()
		return nil
	}

	bin := findHelperBinary("WICKFS_BIN", "wickfs")
	if bin == "" {
		return fmt.Errorf("wickfs binary not found (set WICKFS_BIN or place in ./bin/)")
	}
	if err := b.copyBinary(ctx, bin, "wickfs"); err != nil {
		return fmt.Errorf("inject wickfs: %w", err)
	}
	b.mu.Lock()
	b.hasWickfs = true
	b.mu.Unlock()
	b.log.Info("wickfs injected", "container", b.containerName, "from", bin)
	return nil
}

// HasWickfs reports whether the helper binary is known to be present.
func (b *DockerBackend) HasWickfs() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasWickfs
}

// HasDaemon reports whether the daemon fast path is active.
func (b *DockerBackend) HasDaemon() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.daemonClient != nil
}

// copyBinary tars a host binary and copies it to /usr/local/bin in the
// container with exec permissions.
func (b *DockerBackend) copyBinary(ctx context.Context, hostPath, name string) error {
	content, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return b.cli.CopyToContainer(ctx, b.containerName, "/usr/local/bin", &buf, container.CopyToContainerOptions{})
}

// containerIP returns the container's address on its first attached
// network.
func (b *DockerBackend) containerIP(ctx context.Context) (string, error) {
	insp, err := b.cli.ContainerInspect(ctx, b.containerName)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if insp.NetworkSettings != nil {
		for _, net := range insp.NetworkSettings.Networks {
			if net.IPAddress != "" {
				return net.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("could not determine container IP")
}

// findHelperBinary locates a helper binary: env override, well-known
// container path, next to the server executable, then ./bin dev builds.
func findHelperBinary(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		if _, err := os.Stat(v); err == nil {
			return v
		}
	}

	arch := runtime.GOARCH
	candidates := []string{filepath.Join("/usr/local/bin", name)}
	if ex, err := os.Executable(); err == nil {
		dir := filepath.Dir(ex)
		candidates = append(candidates,
			filepath.Join(dir, name),
			filepath.Join(dir, fmt.Sprintf("%s_linux_%s", name, arch)),
		)
	}
	candidates = append(candidates,
		fmt.Sprintf("bin/%s_linux_%s", name, arch),
		fmt.Sprintf("./bin/%s_linux_%s", name, arch),
	)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// UploadFiles writes files into the container, over the daemon when
// available, otherwise exec plus base64.
func (b *DockerBackend) UploadFiles(ctx context.Context, files []FileUpload) []FileUploadResult {
	b.waitForContainer(ctx)
	out := make([]FileUploadResult, len(files))
	c := b.liveDaemon()

	for i, f := range files {
		resolved, err := b.ResolvePath(f.Path)
		if err != nil {
			out[i] = FileUploadResult{Path: f.Path, Error: err.Error()}
			continue
		}

		b64 := base64.StdEncoding.EncodeToString(f.Content)
		writeCmd := fmt.Sprintf("mkdir -p %s && base64 -d > %s && chmod 666 %s",
			workfs.ShellQuote(filepath.Dir(resolved)), workfs.ShellQuote(resolved), workfs.ShellQuote(resolved))

		if c != nil {
			resp, err := c.Exec(ctx, writeCmd, "/", b64, 30)
			if err != nil || (resp != nil && resp.ExitCode != 0) {
				out[i] = FileUploadResult{Path: resolved, Error: "permission_denied"}
				continue
			}
		} else {
			_, _, exitCode, err := b.apiExec(ctx, []string{"sh", "-c", writeCmd}, "/", strings.NewReader(b64), false)
			if err != nil || exitCode != 0 {
				out[i] = FileUploadResult{Path: resolved, Error: "permission_denied"}
				continue
			}
		}
		out[i] = FileUploadResult{Path: resolved}
	}
	return out
}

// DownloadFiles reads files out of the container via base64.
func (b *DockerBackend) DownloadFiles(ctx context.Context, paths []string) []FileDownloadResult {
	b.waitForContainer(ctx)
	out := make([]FileDownloadResult, len(paths))
	c := b.liveDaemon()

	for i, path := range paths {
		resolved, err := b.ResolvePath(path)
		if err != nil {
			out[i] = FileDownloadResult{Path: path, Error: err.Error()}
			continue
		}

		readCmd := "base64 " + workfs.ShellQuote(resolved)
		var encoded string
		if c != nil {
			resp, err := c.Exec(ctx, readCmd, "/", "", 30)
			if err != nil || (resp != nil && resp.ExitCode != 0) {
				out[i] = FileDownloadResult{Path: resolved, Error: "file_not_found"}
				continue
			}
			encoded = resp.Stdout
		} else {
			stdout, _, exitCode, err := b.apiExec(ctx, []string{"sh", "-c", readCmd}, "/", nil, false)
			if err != nil || exitCode != 0 {
				out[i] = FileDownloadResult{Path: resolved, Error: "file_not_found"}
				continue
			}
			encoded = stdout
		}

		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			out[i] = FileDownloadResult{Path: resolved, Error: "decode_error"}
			continue
		}
		out[i] = FileDownloadResult{Path: resolved, Content: content}
	}
	return out
}

var _ Backend = (*DockerBackend)(nil)
