package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// ShellRunner runs invocations as processes on the agent host.
type ShellRunner struct {
	// WaitDelay bounds how long Run waits for output after the process
	// is killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (s ShellRunner) Run(ctx context.Context, inv Invocation, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = shellEnv(inv)

	// Kill the whole process group so "sh -c" children die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}

	return 0, nil
}

func shellEnv(inv Invocation) []string {
	env := os.Environ()
	if inv.ToolHome != "" {
		bin := filepath.Join(inv.ToolHome, "bin")
		path := bin
		if cur := os.Getenv("PATH"); cur != "" {
			path = bin + string(os.PathListSeparator) + cur
		}
		env = append(env, "PATH="+path)
	}

	return append(env, inv.Env...)
}
