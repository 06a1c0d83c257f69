package console

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Use errors.Is to classify failures; the typed errors below
// carry the details.
var (
	// ErrSpawn indicates the console bridge could not be started.
	ErrSpawn = errors.New("console: spawn failed")

	// ErrSessionDead indicates the console bridge exited or was killed.
	// A dead session cannot be revived; open a new one.
	ErrSessionDead = errors.New("console: session dead")

	// ErrExpectTimeout indicates no pattern matched before the deadline.
	ErrExpectTimeout = errors.New("console: expect timeout")
)

// SpawnError is returned by Open when the bridge process fails to start.
type SpawnError struct {
	// Command is the spawn command line
	Command string
	// Err is the underlying error
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("console: spawning %q: %v", e.Command, e.Err)
}

// Unwrap exposes both ErrSpawn and the underlying error to errors.Is.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// SessionDeadError is returned by operations on a session whose bridge exited.
type SessionDeadError struct {
	// Device is the device the session was attached to
	Device string
	// Cause is what ended the session (read error, kill, close), if known
	Cause error
}

func (e *SessionDeadError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("console %s: session dead", e.Device)
	}
	return fmt.Sprintf("console %s: session dead: %v", e.Device, e.Cause)
}

// Is reports ErrSessionDead as matching.
func (e *SessionDeadError) Is(target error) bool {
	return target == ErrSessionDead
}

// Unwrap returns the cause of death.
func (e *SessionDeadError) Unwrap() error {
	return e.Cause
}

// ExpectTimeoutError is returned by Expect when the deadline passes.
type ExpectTimeoutError struct {
	// Patterns are the patterns that were being waited for
	Patterns []string
	// Timeout is the deadline that elapsed
	Timeout time.Duration
	// Tail is the end of the unmatched output, for diagnostics
	Tail string
}

func (e *ExpectTimeoutError) Error() string {
	return fmt.Sprintf("console: no match for [%s] within %v", strings.Join(e.Patterns, " | "), e.Timeout)
}

// Is reports ErrExpectTimeout as matching.
func (e *ExpectTimeoutError) Is(target error) bool {
	return target == ErrExpectTimeout
}
