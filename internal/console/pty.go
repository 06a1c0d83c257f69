//go:build unix

package console

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// consoleSize is wide enough that long boot commands echoed back by the
// bootloader are not wrapped by the terminal.
var consoleSize = &pty.Winsize{Rows: 50, Cols: 512}

// ptyProcess wraps an *exec.Cmd attached to a pseudo-terminal.
type ptyProcess struct {
	cmd *exec.Cmd
	tty *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.tty.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.tty.Write(b) }
func (p *ptyProcess) PID() int                    { return p.cmd.Process.Pid }
func (p *ptyProcess) Wait() error                 { return p.cmd.Wait() }
func (p *ptyProcess) Close() error                { return p.tty.Close() }

// Signal targets the process group. pty.Start puts the bridge in its own
// session, so its PID is also its process group ID.
func (p *ptyProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// PtyStarter spawns the console bridge on a pseudo-terminal, the way an
// interactive user would run conmux-console. The command is tokenized with
// strings.Fields; no shell is involved.
func PtyStarter(ctx context.Context, device, command string) (Process, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty console command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), "DEVBOOT_DEVICE="+device, "TERM=dumb")

	tty, err := pty.StartWithSize(cmd, consoleSize)
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", command, err)
	}
	return &ptyProcess{cmd: cmd, tty: tty}, nil
}
