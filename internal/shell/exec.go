// Package shell runs commands for the agent, locally and over SSH. It
// merges stdout and stderr into a single sanitized stream, keeps a
// bounded tail in memory with the full output spilled to disk when a
// command is talkative, and kills whole process groups on abort or
// timeout. A registry tracks live executions so they can be listed and
// aborted from outside the running turn.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/haasonsaas/strand/internal/observability"
)

const (
	// DefaultMaxOutputBytes bounds how much command output is kept in
	// memory and returned to the model.
	DefaultMaxOutputBytes = 64000

	// DefaultTimeout applies when a command does not set its own.
	DefaultTimeout = 2 * time.Minute

	// DefaultTermGrace is how long a killed process group gets to exit
	// after SIGTERM before SIGKILL.
	DefaultTermGrace = 2 * time.Second
)

// Command describes one execution request.
type Command struct {
	// Command is a shell command line, run through bash -c.
	Command string

	// Argv, when set, is executed directly without a shell. The SSH
	// transport uses this to invoke the ssh client binary.
	Argv []string

	// Cwd is the working directory. Empty inherits the process cwd.
	Cwd string

	// Env holds extra KEY=VALUE pairs appended to the environment.
	Env []string

	// Timeout overrides the runner default. Zero means the default,
	// negative disables the timeout.
	Timeout time.Duration

	// OnData receives each sanitized output chunk as it arrives. The
	// callback runs on the goroutine that called Run.
	OnData func(chunk []byte)
}

// Result is the outcome of a finished execution. Failures of the
// command itself are reported through ExitCode, not as Go errors.
type Result struct {
	ExitCode  int
	Cancelled bool

	// Output is the sanitized tail of the merged stdout and stderr.
	Output string

	// Truncated reports that Output is missing leading bytes.
	Truncated bool

	// FullOutputPath points at the complete output on disk when the
	// stream outgrew the in-memory tail. Empty otherwise.
	FullOutputPath string
}

// RunnerConfig configures a Runner. Zero fields fall back to the
// package defaults.
type RunnerConfig struct {
	MaxOutputBytes int
	SpillThreshold int
	SpillDir       string
	DefaultTimeout time.Duration
	TermGrace      time.Duration
}

// DefaultRunnerConfig returns a config that spills oversized output
// under the system temp directory.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxOutputBytes: DefaultMaxOutputBytes,
		SpillDir:       filepath.Join(os.TempDir(), "strand-output"),
		DefaultTimeout: DefaultTimeout,
		TermGrace:      DefaultTermGrace,
	}
}

// Runner executes commands through bash with merged, sanitized output.
type Runner struct {
	cfg      RunnerConfig
	registry *Registry
	logger   *observability.Logger
}

// NewRunner creates a runner. The registry is optional; when present
// every execution is tracked in it for listing and out-of-band aborts.
func NewRunner(cfg RunnerConfig, registry *Registry, logger *observability.Logger) *Runner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.TermGrace <= 0 {
		cfg.TermGrace = DefaultTermGrace
	}
	if logger != nil {
		logger = logger.WithFields("component", "shell")
	}
	return &Runner{cfg: cfg, registry: registry, logger: logger}
}

var (
	shellOnce sync.Once
	shellBin  string
)

// shellPath locates bash, falling back to /bin/sh.
func shellPath() string {
	shellOnce.Do(func() {
		if p, err := exec.LookPath("bash"); err == nil {
			shellBin = p
			return
		}
		shellBin = "/bin/sh"
	})
	return shellBin
}

// Run executes cmd and blocks until it finishes or is killed. The id
// keys the execution in the registry and names the spill file. Run
// returns an error only when the command could not be started;
// everything after that, including non-zero exits, lands in the Result.
func (r *Runner) Run(ctx context.Context, id string, cmd Command) (Result, error) {
	if cmd.Command == "" && len(cmd.Argv) == 0 {
		return Result{}, fmt.Errorf("command is required")
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}

	var c *exec.Cmd
	if len(cmd.Argv) > 0 {
		c = exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	} else {
		c = exec.Command(shellPath(), "-c", cmd.Command)
	}
	c.Dir = cmd.Cwd
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	// A fresh process group lets abort and timeout take down the whole
	// command tree, not just the shell.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("create output pipe: %w", err)
	}
	c.Stdout = pw
	c.Stderr = pw

	start := time.Now()
	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{}, fmt.Errorf("start command: %w", err)
	}
	// The child owns the write side now. Closing ours makes the read
	// loop see EOF once every writer in the group is gone.
	pw.Close()
	defer pr.Close()

	pid := c.Process.Pid
	done := make(chan struct{})
	abort := make(chan struct{})
	var abortOnce sync.Once
	var timedOut, aborted atomic.Bool

	if r.registry != nil {
		r.registry.Track(&Execution{
			ID:        id,
			Command:   describeCommand(cmd),
			PID:       pid,
			StartedAt: start,
			abort: func() {
				abortOnce.Do(func() { close(abort) })
			},
		})
	}

	go func() {
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timeoutCh = t.C
		}
		select {
		case <-done:
			return
		case <-ctx.Done():
			aborted.Store(true)
		case <-abort:
			aborted.Store(true)
		case <-timeoutCh:
			timedOut.Store(true)
		}
		r.killGroup(pid, done)
	}()

	san := &Sanitizer{}
	buf := newOutputBuffer(r.cfg.MaxOutputBytes, r.cfg.SpillThreshold, r.cfg.SpillDir, id)
	readBuf := make([]byte, 32*1024)
	for {
		n, rerr := pr.Read(readBuf)
		if n > 0 {
			chunk := san.Sanitize(readBuf[:n])
			if len(chunk) > 0 {
				buf.Write(chunk)
				if cmd.OnData != nil {
					cmd.OnData(chunk)
				}
			}
		}
		if rerr != nil {
			break
		}
	}

	werr := c.Wait()
	close(done)

	if timedOut.Load() {
		note := fmt.Sprintf("\n[command timed out after %s]", timeout)
		buf.Write([]byte(note))
		if cmd.OnData != nil {
			cmd.OnData([]byte(note))
		}
	}

	output, truncated, fullPath := buf.Result()
	res := Result{
		ExitCode:       exitCode(werr),
		Cancelled:      timedOut.Load() || aborted.Load(),
		Output:         output,
		Truncated:      truncated,
		FullOutputPath: fullPath,
	}

	if r.registry != nil {
		r.registry.Finish(id, res)
	}
	if r.logger != nil {
		r.logger.Debug(ctx, "command finished",
			"execution_id", id,
			"exit_code", res.ExitCode,
			"cancelled", res.Cancelled,
			"bytes", buf.Total(),
			"duration", time.Since(start).Round(time.Millisecond).String())
	}
	return res, nil
}

// killGroup terminates the process group, escalating to SIGKILL when it
// ignores SIGTERM past the grace period.
func (r *Runner) killGroup(pid int, done <-chan struct{}) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(r.cfg.TermGrace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func describeCommand(cmd Command) string {
	if cmd.Command != "" {
		return cmd.Command
	}
	return strings.Join(cmd.Argv, " ")
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
