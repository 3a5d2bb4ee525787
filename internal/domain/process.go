package domain

import "time"

// Stream identifies which output stream of the external program a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Process is a live handle on one spawned external program.
// Implementations must make Kill idempotent and safe on an exited process.
type Process interface {
	// ID uniquely identifies this spawn.
	ID() string
	// Write appends a newline-terminated line to the program's stdin.
	// It returns false when the process is gone.
	Write(line string) bool
	// Kill terminates the process.
	Kill()
	// Alive reports whether the process has neither exited nor been killed.
	Alive() bool
}

// RunRecord is one spawn of the external program, kept as history.
type RunRecord struct {
	ID        string        `json:"id"`
	UserID    int64         `json:"user_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Errors    ErrorCounters `json:"errors"`
}

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeExited    = "exited"
	OutcomeFailed    = "failed"
	OutcomeKilled    = "killed"
)
