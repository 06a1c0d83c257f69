package boot

import (
	"errors"
	"fmt"
)

// Stage names the step of a boot attempt that failed.
type Stage string

const (
	StageSoftReset        Stage = "soft-reset"
	StageHardReset        Stage = "hard-reset"
	StageBootloaderEntry  Stage = "bootloader-entry"
	StageCommandInjection Stage = "command-injection"
)

// State is the run-state of one boot attempt.
type State string

const (
	StateIdle               State = "idle"
	StateSoftResetting      State = "soft-resetting"
	StateAwaitingBootloader State = "awaiting-bootloader"
	StateInjectingCommands  State = "injecting-commands"
	StateBooted             State = "booted"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateBooted || s == StateFailed
}

// ErrNoBootCommands is the cause of a failure for an empty command list.
var ErrNoBootCommands = errors.New("no boot commands")

// BootFailure is the error returned for every failed boot attempt.
//
// Cause carries the underlying error; match it with errors.Is against
// console.ErrExpectTimeout, console.ErrSessionDead, console.ErrSpawn or
// context.Canceled.
type BootFailure struct {
	Stage Stage
	Cause error
	// HardReset is set when the attempt had escalated to a hard reset.
	HardReset bool
}

func (f *BootFailure) Error() string {
	return fmt.Sprintf("boot failed at %s: %v", f.Stage, f.Cause)
}

func (f *BootFailure) Unwrap() error {
	return f.Cause
}

// FailureStage returns the stage of err if it is a *BootFailure.
func FailureStage(err error) (Stage, bool) {
	var f *BootFailure
	if errors.As(err, &f) {
		return f.Stage, true
	}
	return "", false
}
