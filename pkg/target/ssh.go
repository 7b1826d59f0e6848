package target

import (
	"context"
	"io/fs"

	"github.com/keelcm/keel/pkg/transports/ssh"
)

// SSH applies operations to a remote machine over an SSH transport.
type SSH struct {
	name   string
	client *ssh.Client
}

// NewSSH wraps a connected SSH client as a target.
func NewSSH(name string, client *ssh.Client) *SSH {
	return &SSH{name: name, client: client}
}

// Name implements Target.
func (s *SSH) Name() string {
	return s.name
}

// Exec implements Target.
func (s *SSH) Exec(ctx context.Context, command string) (ExecResult, error) {
	res, err := s.client.Exec(ctx, command)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// WriteFile implements Target.
func (s *SSH) WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error {
	return s.client.Upload(ctx, path, content, mode)
}

// ReadFile implements Target.
func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.client.Download(ctx, path)
}

// Close releases the underlying connection.
func (s *SSH) Close() error {
	return s.client.Close()
}
