package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecResult holds the output of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client is a connected SSH session to one machine. It is safe for
// concurrent use; each command runs in its own session.
type Client struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates an unconnected client for the given configuration.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: config}, nil
}

// Connect dials the target.
func (c *Client) Connect(ctx context.Context) error {
	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return err
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ssh: dial %s: %w", c.config.Address(), res.err)
		}
		c.mu.Lock()
		c.client = res.client
		c.mu.Unlock()
		return nil
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("ssh: not connected")
	}
	return c.client, nil
}

// Exec runs a command on the target. A nonzero exit status is not an error;
// it is reported through ExecResult.ExitCode.
func (c *Client) Exec(ctx context.Context, command string) (ExecResult, error) {
	conn, err := c.conn()
	if err != nil {
		return ExecResult{}, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh: open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := c.config.CommandTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-runCtx.Done():
		// Best effort: tear down the session so the remote command dies.
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, runCtx.Err()
	case err := <-done:
		result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, fmt.Errorf("ssh: run command: %w", err)
		}
		return result, nil
	}
}

// Upload writes content to a remote path over SFTP, creating parent
// directories as needed.
func (c *Client) Upload(ctx context.Context, remotePath string, content []byte, mode fs.FileMode) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("ssh: open sftp: %w", err)
	}
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "" && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("ssh: mkdir %s: %w", dir, err)
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("ssh: create %s: %w", remotePath, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("ssh: write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ssh: close %s: %w", remotePath, err)
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("ssh: chmod %s: %w", remotePath, err)
	}
	return nil
}

// Download reads a file from the remote machine over SFTP.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("ssh: open sftp: %w", err)
	}
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("ssh: open %s: %w", remotePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("ssh: read %s: %w", remotePath, err)
	}
	return buf.Bytes(), nil
}
