package remote

import (
	"context"
)

// Mode controls how command output is handled and logged.
type Mode int

const (
	// ModeNormal logs the command and its output at info level.
	ModeNormal Mode = iota
	// ModeSilent runs without logging the command or its output.
	ModeSilent
	// ModeQuiet logs the command but surfaces output only on failure.
	ModeQuiet
	// ModeCapture captures stdout and stderr separately for the caller.
	ModeCapture
)

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns both streams joined, stdout first.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs a command on a named host as the configured identity. A
// non-zero exit wraps types.ErrCommandFailed; an unreachable host or timed
// out dial wraps types.ErrConnectivity, so callers can tell the two apart.
type Executor interface {
	Exec(ctx context.Context, host, command string, mode Mode) (Result, error)
}
