package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// LocalChannel is a Channel that runs commands on the local machine, for
// deployments where the tool runs directly on a login node. File transfer
// degenerates to plain filesystem access.
type LocalChannel struct {
	shell  string
	logger *zap.Logger
}

// NewLocalChannel builds a local channel. Commands run through the given
// shell; empty means /bin/sh.
func NewLocalChannel(shell string, logger *zap.Logger) *LocalChannel {
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalChannel{shell: shell, logger: logger}
}

func (c *LocalChannel) Host() string {
	return "localhost"
}

func (c *LocalChannel) Execute(ctx context.Context, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		// The context expiring kills the process; report that as a channel
		// timeout rather than as the command exiting non-zero.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, wrapErr("Execute", "localhost", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, wrapErr("Execute", "localhost", err)
		}
	}

	c.logger.Debug("local command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (c *LocalChannel) Upload(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("Upload", "localhost", err)
	}
	if dir := filepath.Dir(remotePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wrapErr("Upload", "localhost", err)
		}
	}
	data, err := io.ReadAll(contents)
	if err != nil {
		return wrapErr("Upload", "localhost", err)
	}
	if err := os.WriteFile(remotePath, data, mode); err != nil {
		return wrapErr("Upload", "localhost", err)
	}
	return nil
}

func (c *LocalChannel) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("Download", "localhost", err)
	}
	f, err := os.Open(remotePath)
	if err != nil {
		return nil, wrapErr("Download", "localhost", err)
	}
	return f, nil
}

func (c *LocalChannel) Close() error {
	return nil
}
