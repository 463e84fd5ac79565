package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/sanduku/internal/layout"
	"github.com/jkaninda/sanduku/internal/observability"
)

const defaultForegroundTimeout = 5 * time.Minute

// maxOutputBytes caps captured stdout/stderr to prevent OOM from
// chatty commands. Background process output goes to log files and is
// capped separately by the Supervisor.
const maxOutputBytes = 1 << 20 // 1 MB

// ExecutorConfig configures the confined process executor.
type ExecutorConfig struct {
	DefaultTimeout time.Duration // Wall-clock timeout for foreground runs. Zero = 5 min.
	OutputCap      int           // Captured bytes per stream. Zero = 1 MB.
}

// Request describes one confined command invocation.
type Request struct {
	// Identity scopes the workspace directory the command runs in.
	Identity string

	// Command is the shell command line, interpreted by the rootfs's
	// /bin/sh.
	Command string

	// Timeout overrides the executor default. Zero = use default.
	// Ignored by Start (background processes have no timeout).
	Timeout time.Duration

	// Env adds environment variables on top of the confined baseline
	// set; caller values win on key collision.
	Env map[string]string

	// OnStart, if set, is invoked once the OS process has started.
	// The Manager uses it to track the foreground process handle.
	OnStart func(*os.Process)
}

// Handle is a started detached process, owned by the Supervisor from
// the moment Start returns.
type Handle struct {
	Cmd    *exec.Cmd
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Executor builds and runs confined processes. The filesystem view of
// every spawned process is restricted to the read-only rootfs, the
// writable overlay binds, and the caller's workspace directory.
type Executor struct {
	layout    *layout.Layout
	timeout   time.Duration
	outputCap int
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
}

// NewExecutor creates an Executor over the given disk layout.
func NewExecutor(l *layout.Layout, cfg ExecutorConfig, logger *slog.Logger, metrics *observability.MetricsCollector) *Executor {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultForegroundTimeout
	}
	cap := cfg.OutputCap
	if cap == 0 {
		cap = maxOutputBytes
	}
	return &Executor{
		layout:    l,
		timeout:   timeout,
		outputCap: cap,
		logger:    logger,
		metrics:   metrics,
	}
}

// buildArgs constructs the confinement helper argument list. The order
// is load-bearing: bind mounts precede the rootfs argument, the rootfs
// argument precedes the working directory, and the command is appended
// last by the caller.
func (e *Executor) buildArgs(sandboxDir string) []string {
	return []string{
		// Host special filesystems — the shell and most tools need these.
		"-b", "/dev",
		"-b", "/proc",
		"-b", "/sys",

		// Caller workspace.
		"-b", sandboxDir + ":" + WorkspacePath,

		// Writable overlay layers. The library layer uses the
		// "don't follow symlinks" variant (trailing "!") so it fully
		// shadows the read-only image's copy.
		"-b", e.layout.UpperUsrLocal() + ":" + guestUsrLocal,
		"-b", e.layout.UpperHome() + ":" + guestHome,
		"-b", e.layout.UpperUsrLib() + ":" + guestUsrLib + "!",

		"-r", e.layout.RootfsDir(),
		"-w", WorkspacePath,
		"--link2symlink",
	}
}

// buildEnv constructs the confined baseline environment, extended and
// overridden by caller-supplied variables. The host environment is
// never inherited.
func (e *Executor) buildEnv(extra map[string]string) []string {
	env := map[string]string{
		"HOME":          guestHome,
		"TMPDIR":        "/tmp",
		"PROOT_TMP_DIR": e.layout.WorkDir(),
		"PREFIX":        "/usr",
		"PATH":          "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"TERM":          "xterm-256color",
		"LANG":          "C.UTF-8",
	}

	// Syscall-interception compatibility library; optional.
	if preload := e.layout.PreloadLibrary(); fileExists(preload) {
		env["LD_PRELOAD"] = preload
	}

	for k, v := range extra {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// command assembles the full exec.Cmd for a request. A nil ctx builds a
// detached command with no cancellation — the caller owns its lifetime.
func (e *Executor) command(ctx context.Context, req Request) *exec.Cmd {
	sandboxDir := e.layout.SandboxDir(req.Identity)

	args := e.buildArgs(sandboxDir)
	args = append(args, "/bin/sh", "-c", req.Command)

	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, e.layout.ProotBinary(), args...)
	} else {
		cmd = exec.Command(e.layout.ProotBinary(), args...)
	}
	cmd.Dir = sandboxDir
	cmd.Env = e.buildEnv(req.Env)

	// Own process group so a forced kill takes down the helper and
	// everything the command spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd
}

// Execute runs a command synchronously, capturing both streams. It
// never returns an error: every failure mode is reported through the
// Outcome per the engine's propagation policy.
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.command(ctx, req)

	// Each stream gets its own capped buffer; os/exec copies them on
	// independent goroutines, so a slow or silent stream never blocks
	// the other.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: e.outputCap}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: e.outputCap}

	// On timeout/cancel, kill the entire process group instead of just
	// the helper; WaitDelay caps how long we wait for stragglers holding
	// the output pipes open.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second

	e.logger.Debug("executing confined command",
		slog.String("identity", req.Identity),
		slog.String("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failure("starting confined process: %v", err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process)
	}

	runErr := cmd.Wait()
	duration := time.Since(start)

	outcome := Outcome{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Forced termination leaves the already-captured output in
		// place; orphaned helper processes are swept best-effort.
		killed := e.SweepOrphans()
		e.logger.Warn("confined command timed out",
			slog.String("identity", req.Identity),
			slog.Duration("timeout", timeout),
			slog.Int("orphans_killed", killed),
		)
		outcome.ExitCode = -1
		outcome.Stderr = appendLine(outcome.Stderr,
			fmt.Sprintf("command timed out after %s and was terminated", timeout))

	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			outcome.ExitCode = -1
			outcome.Stderr = appendLine(outcome.Stderr, runErr.Error())
		}
	}

	if e.metrics != nil {
		status := "ok"
		if outcome.ExitCode != 0 {
			status = "failed"
		}
		e.metrics.ExecutionsTotal.WithLabelValues("foreground", status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues("foreground").Observe(duration.Seconds())
	}

	e.logger.Debug("confined command completed",
		slog.String("identity", req.Identity),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("duration", duration),
	)

	return outcome
}

// Start launches a detached confined process. The returned Handle —
// process, pipes and all — belongs to the Supervisor; Start never
// waits on the process.
func (e *Executor) Start(req Request) (*Handle, error) {
	cmd := e.command(nil, req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting confined process: %w", err)
	}

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	e.logger.Debug("started detached confined process",
		slog.String("identity", req.Identity),
		slog.Int("pid", pid),
	)

	return &Handle{Cmd: cmd, PID: pid, Stdout: stdout, Stderr: stderr}, nil
}

// SweepOrphans kills any confinement helper process left behind after a
// forced termination, identified by its argv[0] matching our helper
// binary. Best-effort: failures are ignored, the count of kills is
// returned.
func (e *Executor) SweepOrphans() int {
	helper := e.layout.ProotBinary()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}

	killed := 0
	self := os.Getpid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		argv0, _, _ := strings.Cut(string(cmdline), "\x00")
		if argv0 != helper {
			continue
		}
		if unix.Kill(pid, unix.SIGKILL) == nil {
			killed++
		}
	}

	if killed > 0 {
		e.logger.Warn("killed orphaned confinement helper processes",
			slog.Int("count", killed),
		)
	}
	return killed
}

// killGroup SIGKILLs a whole process group. Confined processes are
// started with their own group so the shell's children die with it.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, unix.SIGKILL)
}

// ProcessAlive reports whether a pid still has a process-table entry.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// appendLine appends line to s, separating with a newline when s is
// non-empty.
func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
