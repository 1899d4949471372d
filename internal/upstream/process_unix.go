//go:build unix

package upstream

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// processGroupCommandFunc builds the exec.Cmd for a stdio transport inside
// its own process group, so the whole tree can be signalled at shutdown.
// The command is recorded on the client before the transport starts it.
func processGroupCommandFunc(c *Client) func(ctx context.Context, command string, env, args []string) (*exec.Cmd, error) {
	return func(ctx context.Context, command string, env, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid: true,
			Pgid:    0,
		}

		c.mu.Lock()
		c.cmd = cmd
		c.mu.Unlock()
		return cmd, nil
	}
}

func processGroupID(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return 0
	}
	return pgid
}

// terminateProcessTree sends SIGTERM to the child's process group, waits 2 s,
// probes with signal 0, and escalates to SIGKILL if the group is still alive.
// ESRCH at any step means the process is already gone and is not an error.
func terminateProcessTree(pid, pgid int, logger *zap.Logger) {
	target := pid
	if pgid > 0 {
		target = -pgid
	}

	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		logger.Warn("failed to signal child process",
			zap.Int("pid", pid),
			zap.Error(err))
	}

	time.Sleep(2 * time.Second)

	if err := syscall.Kill(target, 0); err != nil {
		// ESRCH: exited during the grace period.
		return
	}

	logger.Warn("child still running after SIGTERM, sending SIGKILL", zap.Int("pid", pid))
	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to kill child process",
			zap.Int("pid", pid),
			zap.Error(err))
	}
}
