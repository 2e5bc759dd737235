// Package runner implements the external task executor: it spawns the
// long-running CLI backing each job, feeds the task payload on stdin, and
// can terminate the whole process tree on timeout or interrupt. Each job
// addresses a stable external session ID so the CLI can resume state
// across messages; a reset produces a fresh ID and orphans the old state.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Config configures the CLI runner.
type Config struct {
	// Command is the CLI binary backing each job.
	Command string

	// Args are fixed leading arguments.
	Args []string

	// WorkDir is the working directory for spawned processes.
	WorkDir string

	// KillGrace is the delay between SIGTERM and SIGKILL on Terminate.
	KillGrace time.Duration
}

// Request describes one task execution.
type Request struct {
	// Payload is fed to the process on stdin.
	Payload string

	// ExternalSessionID addresses the CLI's persistent session state.
	ExternalSessionID string

	// Resume asks the CLI to resume the external session instead of
	// starting fresh.
	Resume bool

	// Env adds request-specific environment variables.
	Env map[string]string
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Killed     bool
	KillReason string
}

// Process is a handle on a running task execution.
type Process interface {
	// Pid returns the OS process ID.
	Pid() int

	// Wait blocks until the process exits and returns its result.
	Wait() (*Result, error)

	// Terminate stops the process tree: SIGTERM, then SIGKILL after the
	// grace period. Safe to call more than once.
	Terminate(reason string)
}

// Runner spawns task executions.
type Runner interface {
	Start(ctx context.Context, req *Request) (Process, error)
}

// resumeNotFoundMarkers are stderr fragments the CLI emits when asked to
// resume a session it no longer has.
var resumeNotFoundMarkers = []string{
	"resume session not found",
	"no session found",
	"unknown session",
}

// IsResumeNotFound reports whether a failed result is a resume miss, which
// the worker retries once with a fresh external session.
func IsResumeNotFound(res *Result) bool {
	if res == nil || res.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(res.Stderr)
	for _, marker := range resumeNotFoundMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// CLIRunner runs tasks via os/exec with process-group isolation so the
// whole tree can be killed at once.
type CLIRunner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a CLI runner.
func New(cfg Config, logger *slog.Logger) *CLIRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &CLIRunner{cfg: cfg, logger: logger}
}

// Start spawns the CLI for the request.
func (r *CLIRunner) Start(ctx context.Context, req *Request) (Process, error) {
	args := append([]string{}, r.cfg.Args...)
	args = append(args, "--session", req.ExternalSessionID)
	if req.Resume {
		args = append(args, "--resume")
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}

	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if req.Payload != "" {
		cmd.Stdin = strings.NewReader(req.Payload)
	}

	p := &cliProcess{cmd: cmd, grace: r.cfg.KillGrace, logger: r.logger}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	// Process group so Terminate reaches grandchildren too.
	setProcAttr(cmd)
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return killTree(cmd.Process.Pid)
		}
		return nil
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.cfg.Command, err)
	}

	r.logger.Debug("task process started",
		"pid", cmd.Process.Pid,
		"external_session", req.ExternalSessionID,
		"resume", req.Resume,
	)
	return p, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	grace  time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	killed     bool
	killReason string
}

func (p *cliProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *cliProcess) Wait() (*Result, error) {
	err := p.cmd.Wait()

	p.mu.Lock()
	res := &Result{
		Stdout:     p.stdout.String(),
		Stderr:     p.stderr.String(),
		Killed:     p.killed,
		KillReason: p.killReason,
	}
	p.mu.Unlock()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("wait for task process: %w", err)
	}
	return res, nil
}

func (p *cliProcess) Terminate(reason string) {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.killReason = reason
	pid := p.Pid()
	p.mu.Unlock()

	if pid == 0 {
		return
	}

	p.logger.Debug("terminating task process tree", "pid", pid, "reason", reason)
	if err := terminateTree(pid); err != nil {
		p.logger.Warn("SIGTERM failed, escalating", "pid", pid, "error", err)
		_ = killTree(pid)
		return
	}

	// Escalate after the grace period if the group is still alive.
	go func() {
		time.Sleep(p.grace)
		_ = killTree(pid)
	}()
}

// KillTree forcibly kills a process tree by pid. Used by the interrupt
// service when only the pid is known.
func KillTree(pid int) error {
	return killTree(pid)
}
