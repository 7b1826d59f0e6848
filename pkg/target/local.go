package target

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Local executes against the machine the engine itself runs on.
type Local struct{}

// NewLocal creates a target for the local machine.
func NewLocal() *Local {
	return &Local{}
}

// Name implements Target.
func (l *Local) Name() string {
	return "local"
}

// Exec runs the command through the default shell.
func (l *Local) Exec(ctx context.Context, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}

// WriteFile implements Target.
func (l *Local) WriteFile(_ context.Context, path string, content []byte, mode fs.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return err
	}
	// WriteFile does not change the mode of an existing file.
	return os.Chmod(path, mode)
}

// ReadFile implements Target.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}
