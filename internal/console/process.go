package console

import (
	"context"
	"io"
	"syscall"
)

// Process is the handle to a spawned console bridge.
//
// Reads return console output; a read error means the console is gone.
// Writes go to the console's input.
type Process interface {
	io.Reader
	io.Writer
	// PID returns the OS process ID.
	PID() int
	// Wait blocks until the process exits and returns the exit error (nil for success).
	Wait() error
	// Signal delivers sig to the bridge and everything it started.
	Signal(sig syscall.Signal) error
	// Close releases the terminal. It does not wait for the process.
	Close() error
}

// Starter spawns a console bridge for a device.
// device is exposed as DEVBOOT_DEVICE in the bridge's environment.
// This is the seam for testing: swap with a fake that plays a script.
type Starter func(ctx context.Context, device, command string) (Process, error)

var _ Starter = PtyStarter
