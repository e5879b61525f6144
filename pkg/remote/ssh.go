package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

const defaultConnectTimeout = 10 * time.Second

// SSHConfig configures an SSH channel to one login node.
type SSHConfig struct {
	Host string
	Port int    // 0 means 22
	User string // empty means the current user

	// KeyPath points at a private key file. Empty means agent-only auth.
	KeyPath string

	// Password enables password auth when set. Key and agent auth are
	// still tried first.
	Password string

	// KnownHostsPath overrides ~/.ssh/known_hosts for host key checks.
	KnownHostsPath string

	// InsecureSkipHostKey disables host key verification. Test rigs only.
	InsecureSkipHostKey bool

	ConnectTimeout time.Duration // 0 means 10s
}

// SSHChannel is a Channel over one SSH connection. Sessions per command are
// cheap; the connection itself is dialed once and redialed after a loss.
type SSHChannel struct {
	cfg    SSHConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client
	closed bool
}

// DialSSH opens a channel to the configured host and verifies it by
// completing the handshake.
func DialSSH(ctx context.Context, cfg SSHConfig, logger *zap.Logger) (*SSHChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := &SSHChannel{cfg: cfg, logger: logger}
	if _, err := ch.ensureClient(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *SSHChannel) Host() string {
	return c.cfg.Host
}

func (c *SSHChannel) Execute(ctx context.Context, command string) (*ExecResult, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		c.invalidate(client)
		return nil, wrapErr("Execute", c.cfg.Host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, wrapErr("Execute", c.cfg.Host, ctx.Err())
	case err = <-done:
	}

	result := &ExecResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			c.invalidate(client)
			return nil, wrapErr("Execute", c.cfg.Host, err)
		}
	}

	c.logger.Debug("remote command finished",
		zap.String("host", c.cfg.Host),
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (c *SSHChannel) Upload(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("Upload", c.cfg.Host, err)
	}
	sftpc, err := c.ensureSFTP(ctx)
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpc.MkdirAll(dir); err != nil {
			return wrapErr("Upload", c.cfg.Host, err)
		}
	}

	f, err := sftpc.Create(remotePath)
	if err != nil {
		return wrapErr("Upload", c.cfg.Host, err)
	}
	if _, err := io.Copy(f, contents); err != nil {
		_ = f.Close()
		return wrapErr("Upload", c.cfg.Host, err)
	}
	if err := f.Close(); err != nil {
		return wrapErr("Upload", c.cfg.Host, err)
	}
	if err := sftpc.Chmod(remotePath, mode); err != nil {
		return wrapErr("Upload", c.cfg.Host, err)
	}
	return nil
}

func (c *SSHChannel) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("Download", c.cfg.Host, err)
	}
	sftpc, err := c.ensureSFTP(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sftpc.Open(remotePath)
	if err != nil {
		return nil, wrapErr("Download", c.cfg.Host, err)
	}
	return f, nil
}

func (c *SSHChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.sftpc != nil {
		_ = c.sftpc.Close()
		c.sftpc = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// ensureClient returns the live connection, dialing if needed.
func (c *SSHChannel) ensureClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, wrapErr("Dial", c.cfg.Host, ErrSessionClosed)
	}
	if c.client != nil {
		return c.client, nil
	}

	clientCfg, err := c.clientConfig()
	if err != nil {
		return nil, wrapErr("Dial", c.cfg.Host, err)
	}

	port := c.cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapErr("Dial", c.cfg.Host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, wrapErr("Dial", c.cfg.Host, err)
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.logger.Debug("ssh connection established", zap.String("host", c.cfg.Host), zap.String("addr", addr))
	return c.client, nil
}

func (c *SSHChannel) ensureSFTP(ctx context.Context) (*sftp.Client, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftpc != nil {
		return c.sftpc, nil
	}
	sftpc, err := sftp.NewClient(client)
	if err != nil {
		return nil, wrapErr("Dial", c.cfg.Host, err)
	}
	c.sftpc = sftpc
	return sftpc, nil
}

// invalidate drops a dead connection so the next call redials. Only the
// connection the failed call used is dropped; a concurrent redial wins.
func (c *SSHChannel) invalidate(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client && c.client != nil {
		_ = c.client.Close()
		c.client = nil
		if c.sftpc != nil {
			_ = c.sftpc.Close()
			c.sftpc = nil
		}
	}
}

func (c *SSHChannel) clientConfig() (*ssh.ClientConfig, error) {
	userName := c.cfg.User
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("no user configured and none detected: %w", err)
		}
		userName = u.Username
	}

	var methods []ssh.AuthMethod
	if c.cfg.KeyPath != "" {
		key, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", c.cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if c.cfg.Password != "" {
		methods = append(methods, ssh.Password(c.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth available: set a key path or start an agent")
	}

	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &ssh.ClientConfig{
		User:            userName,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func (c *SSHChannel) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.cfg.InsecureSkipHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	hostsPath := c.cfg.KnownHostsPath
	if hostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		hostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(hostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", hostsPath, err)
	}
	return cb, nil
}
