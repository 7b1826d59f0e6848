// Package target abstracts the machine a reconciliation run acts on.
// The local machine and SSH-reachable machines (including dev harness VMs)
// implement the same interface, so the engine and resource handlers never
// care where a command actually runs.
package target

import (
	"context"
	"io/fs"
)

// ExecResult holds the outcome of a command executed on a target.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited with status zero.
func (r ExecResult) Ok() bool {
	return r.ExitCode == 0
}

// Target is a machine that commands and file operations can be applied to.
// Exec returns an error only for transport-level failures; a nonzero exit
// status is reported through ExecResult.ExitCode.
type Target interface {
	// Name identifies the target in logs and reports (e.g. "local", "vm:dev1").
	Name() string

	// Exec runs a shell command on the target.
	Exec(ctx context.Context, command string) (ExecResult, error)

	// WriteFile writes content to a path on the target, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error

	// ReadFile reads a file from the target.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}
