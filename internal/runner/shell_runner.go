package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"flowci/internal/models"
)

// Result is the outcome of one stage. Success=false is a deliberate stage
// failure (exit code != 0); the orchestration core treats it as terminal
// for the run and never retries it.
type Result struct {
	Success  bool
	LogLines []string
	Error    string
}

// StageRunner executes one stage's commands. Implementations are opaque to
// the core: a shell, a container build, a manifest apply.
type StageRunner interface {
	Run(ctx context.Context, stage models.StageSpec) Result
}

// ShellRunner runs each stage command through `sh -c` with a per-stage
// timeout, collecting merged stdout/stderr. The timeout context is detached
// from the caller's cancellation: a pool shutdown must never interrupt an
// in-flight command, only the deadline may.
type ShellRunner struct {
	timeout time.Duration
}

func NewShellRunner(timeout time.Duration) *ShellRunner {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &ShellRunner{timeout: timeout}
}

func (r *ShellRunner) Run(ctx context.Context, stage models.StageSpec) Result {
	var lines []string
	for _, command := range stage.Commands {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		cmd := exec.CommandContext(runCtx, "sh", "-c", command)

		// Run the shell in its own process group and kill the whole group on
		// deadline; killing only the shell would leave children holding the
		// stdio pipe and Run blocked past the timeout. WaitDelay backstops a
		// child that survives the group kill.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		cmd.WaitDelay = time.Second

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		cancel()

		lines = append(lines, splitLines(out.String())...)
		if err != nil {
			return Result{
				Success:  false,
				LogLines: lines,
				Error:    err.Error(),
			}
		}
	}
	return Result{Success: true, LogLines: lines}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
