// Package supervisor spawns and supervises the external interactive program,
// one process per user session.
package supervisor

import (
	"context"
	"errors"
	"io"
)

// ErrProcessExited is returned when writing to a process that is gone.
var ErrProcessExited = errors.New("process exited")

// ErrWriteTimeout is returned when the process does not drain its stdin.
var ErrWriteTimeout = errors.New("stdin write timed out")

// Spec describes one process to start.
type Spec struct {
	// Name is a unique, human readable label for the process.
	Name string
	// Dir is the host working directory holding the external program.
	Dir string
	// Command is the program and its arguments.
	Command []string
	// Env holds extra KEY=VALUE pairs.
	Env []string
}

// Process is a started program with connected standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the program exits and returns its exit code.
	// Callers must finish reading Stdout and Stderr first.
	Wait() (int, error)
	// Kill asks the program to terminate. It is safe on an exited process.
	Kill() error
}

// Runner starts processes. Implementations exist for local execution and
// for Docker containers.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
