// Package remote provides the command channel to cluster login nodes.
//
// Channels execute scheduler commands and move files. Implementations exist
// for SSH (the normal case) and for running directly on a login node.
// Authentication uses standard SSH material - key files, the running agent,
// known_hosts - channels do not implement custom auth logic.
package remote

import (
	"context"
	"io"
	"os"
	"time"
)

// Channel abstracts command execution on one cluster host.
//
// Implementations should:
//   - Treat a remote command's non-zero exit as a result, not an error
//   - Report channel-level failures through the sentinel errors in this
//     package so callers can tell a dead connection from a failed command
//   - Be safe for concurrent use
type Channel interface {
	// Execute runs a command on the remote host and captures its output.
	// The returned error is nil whenever the command itself ran, even if
	// it exited non-zero; inspect ExecResult.ExitCode for that.
	Execute(ctx context.Context, command string) (*ExecResult, error)

	// Upload writes the contents to remotePath, creating parent
	// directories as needed.
	Upload(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error

	// Download opens remotePath for reading. The caller closes it.
	Download(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// Host returns the host this channel talks to.
	Host() string

	// Close releases the underlying connection.
	Close() error
}

// ExecResult is the outcome of one executed command.
type ExecResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Ok reports whether the command exited zero.
func (r *ExecResult) Ok() bool {
	return r.ExitCode == 0
}
