// Package consoletest provides a scripted console bridge for tests.
//
// A Device stands in for conmux-console: it answers lines written to it with
// canned output, the way a bootloader or shell on the far end would.
//
//	dev := consoletest.New()
//	dev.On("reboot", "Will now restart\r\n...Hit any key to stop autoboot")
//	sess, _ := console.Open(ctx, prof, nil, console.WithStarter(dev.Starter()))
package consoletest

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/profile"
)

// ErrKilled is the exit error reported after SIGKILL.
var ErrKilled = errors.New("signal: killed")

type rule struct {
	re    *regexp.Regexp
	raw   string
	reply string
	once  bool
	used  bool
	exit  bool
}

// Device is a fake console bridge process. The zero value is not usable;
// call New.
type Device struct {
	// IgnoreTerm makes the device survive SIGTERM, forcing a SIGKILL.
	IgnoreTerm bool
	// StartErr, when set, makes the starter fail.
	StartErr error
	// Escape is consumed by the multiplexer rather than passed to the
	// line. New sets it to profile.DefaultEscapeSequence.
	Escape string

	mu       sync.Mutex
	rules    []rule
	lines    []string
	raw      []string
	partial  strings.Builder
	emitted  strings.Builder
	signals  []syscall.Signal
	commands []string
	exitErr  error

	out      chan []byte
	data     chan []byte
	pending  []byte
	exited   chan struct{}
	hungUp   bool
	readDone chan struct{}
	readOnce sync.Once
}

// New returns a device with no rules.
func New() *Device {
	d := &Device{
		out:      make(chan []byte, 1024),
		data:     make(chan []byte),
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
		Escape:   profile.DefaultEscapeSequence,
	}
	go d.pump()
	return d
}

// pump forwards queued output to readers in order. A nil entry is a hangup:
// the process counts as exited once everything before it was handed over.
func (d *Device) pump() {
	defer close(d.data)
	for b := range d.out {
		if b == nil {
			close(d.exited)
			return
		}
		select {
		case d.data <- b:
		case <-d.readDone:
			return
		}
	}
}

// Starter returns a console.Starter that hands out this device.
func (d *Device) Starter() console.Starter {
	return func(ctx context.Context, device, command string) (console.Process, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.commands = append(d.commands, command)
		if d.StartErr != nil {
			return nil, d.StartErr
		}
		return d, nil
	}
}

// On replies with reply whenever a full line matching the regular
// expression pattern is written. The line is matched without its
// terminator, anchored at both ends.
func (d *Device) On(pattern, reply string) *Device {
	return d.add(rule{re: regexp.MustCompile("^(?:" + pattern + ")$"), reply: reply})
}

// Once is like On but fires only for the first matching line.
func (d *Device) Once(pattern, reply string) *Device {
	return d.add(rule{re: regexp.MustCompile("^(?:" + pattern + ")$"), reply: reply, once: true})
}

// OnRaw replies when exactly seq is written in a single write.
func (d *Device) OnRaw(seq, reply string) *Device {
	return d.add(rule{raw: seq, reply: reply})
}

// HangupOn emits reply and then hangs up when a line matching pattern is
// written.
func (d *Device) HangupOn(pattern, reply string) *Device {
	return d.add(rule{re: regexp.MustCompile("^(?:" + pattern + ")$"), reply: reply, exit: true})
}

func (d *Device) add(r rule) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
	return d
}

// Emit queues console output as if the device printed it.
func (d *Device) Emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitLocked(s)
}

func (d *Device) emitLocked(s string) {
	if d.hungUp || s == "" {
		return
	}
	d.emitted.WriteString(s)
	d.out <- []byte(s)
}

// Hangup ends the output stream and marks the process exited.
func (d *Device) Hangup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangupLocked(nil)
}

func (d *Device) hangupLocked(exitErr error) {
	if d.hungUp {
		return
	}
	d.hungUp = true
	d.exitErr = exitErr
	d.out <- nil
}

// Read implements console.Process.
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		b, ok := <-d.data
		if !ok {
			return 0, errors.New("read /dev/ptmx: input/output error")
		}
		d.pending = b
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// Write implements console.Process. Complete lines are matched against the
// rules in the order they were added.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hungUp {
		return 0, errors.New("write /dev/ptmx: input/output error")
	}

	d.raw = append(d.raw, string(p))
	for i := range d.rules {
		r := &d.rules[i]
		if r.re == nil && r.raw == string(p) {
			d.emitLocked(r.reply)
		}
	}
	if d.Escape != "" && string(p) == d.Escape {
		return len(p), nil
	}

	for _, c := range string(p) {
		if c != '\n' {
			d.partial.WriteRune(c)
			continue
		}
		line := strings.TrimSuffix(d.partial.String(), "\r")
		d.partial.Reset()
		d.lines = append(d.lines, line)
		d.lineLocked(line)
	}
	return len(p), nil
}

func (d *Device) lineLocked(line string) {
	for i := range d.rules {
		r := &d.rules[i]
		if r.re == nil || (r.once && r.used) || !r.re.MatchString(line) {
			continue
		}
		r.used = true
		d.emitLocked(r.reply)
		if r.exit {
			d.hangupLocked(nil)
		}
		return
	}
}

// PID implements console.Process.
func (d *Device) PID() int { return 4242 }

// Wait implements console.Process.
func (d *Device) Wait() error {
	<-d.exited
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// Signal implements console.Process. SIGKILL always hangs up; SIGTERM does
// unless IgnoreTerm is set.
func (d *Device) Signal(sig syscall.Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals = append(d.signals, sig)
	switch {
	case sig == syscall.SIGKILL:
		d.hangupLocked(ErrKilled)
	case sig == syscall.SIGTERM && !d.IgnoreTerm:
		d.hangupLocked(nil)
	}
	return nil
}

// Close implements console.Process.
func (d *Device) Close() error {
	d.readOnce.Do(func() { close(d.readDone) })
	return nil
}

// Lines returns every complete line written so far.
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Emitted returns all output the device produced so far.
func (d *Device) Emitted() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitted.String()
}

// Writes returns the raw writes in order.
func (d *Device) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.raw...)
}

// Signals returns the signals delivered so far.
func (d *Device) Signals() []syscall.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]syscall.Signal(nil), d.signals...)
}

// Commands returns the spawn commands the starter was called with.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Exited reports whether the device has hung up.
func (d *Device) Exited() bool {
	select {
	case <-d.exited:
		return true
	default:
		return false
	}
}
