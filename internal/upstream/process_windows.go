//go:build windows

package upstream

import (
	"context"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

func processGroupCommandFunc(c *Client) func(ctx context.Context, command string, env, args []string) (*exec.Cmd, error) {
	return func(ctx context.Context, command string, env, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env

		c.mu.Lock()
		c.cmd = cmd
		c.mu.Unlock()
		return cmd, nil
	}
}

// Windows has no Unix-style process groups; the PID stands in.
func processGroupID(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}

// terminateProcessTree force-kills the child. Windows offers no graceful
// SIGTERM equivalent without Job Objects, so Kill is the whole story here.
func terminateProcessTree(pid, _ int, logger *zap.Logger) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Kill(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to kill child process",
			zap.Int("pid", pid),
			zap.Error(err))
	}
}
