// Package boot drives an attached device console from idle to a booted
// bootloader command sequence.
//
// A boot attempt is strictly serial:
//
//  1. soft reset: send the reboot command and wait for the restart
//     acknowledgment. A timeout escalates to a hard reset through the
//     console multiplexer, at most once per attempt.
//  2. bootloader entry: wait for the autoboot interrupt and stop it.
//  3. command injection: send the first boot command, then each following
//     command only after the family's continuation prompt was seen.
//
// Success means every command was sent. Waiting for the booted system's
// shell belongs to the caller.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/expect"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/sink"
)

// Console is the session surface the orchestrator drives.
// *console.Session satisfies it.
type Console interface {
	SendLine(text string) error
	SendRaw(b []byte) error
	Expect(ctx context.Context, patterns []string, timeout time.Duration) (expect.Match, error)
}

var _ Console = (*console.Session)(nil)

// Orchestrator runs boot attempts. It keeps no state between attempts and
// may be reused, but not concurrently on the same console.
type Orchestrator struct {
	log         *slog.Logger
	observe     func(State)
	timeouts    *profile.Timeouts
	events      sink.Sink
	device      string
	consoleOpts []console.Option
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithObserver registers fn to be called on every run-state transition.
func WithObserver(fn func(State)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithTimeouts overrides the family default timeouts. Zero fields keep the
// value of an earlier WithTimeouts, then the family default.
func WithTimeouts(t profile.Timeouts) Option {
	return func(o *Orchestrator) {
		if o.timeouts != nil {
			t.Merge(*o.timeouts)
		}
		o.timeouts = &t
	}
}

// WithEvents writes state transitions and the final result to s as event
// entries for device, next to the raw console traffic.
func WithEvents(s sink.Sink, device string) Option {
	return func(o *Orchestrator) {
		o.events = s
		o.device = device
	}
}

// WithConsoleOptions passes options to console.Open in BootDevice.
func WithConsoleOptions(opts ...console.Option) Option {
	return func(o *Orchestrator) { o.consoleOpts = append(o.consoleOpts, opts...) }
}

// New returns an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Boot runs one boot attempt with a fresh orchestrator.
func Boot(ctx context.Context, c Console, family profile.Family, commands []string, opts ...Option) error {
	return New(opts...).Boot(ctx, c, family, commands)
}

// attempt is the state of a single Boot call.
type attempt struct {
	o         *Orchestrator
	c         Console
	pol       *profile.Policy
	t         profile.Timeouts
	log       *slog.Logger
	state     State
	hardReset bool
}

// Boot drives c through reset, bootloader entry and command injection.
// It returns nil once all commands were sent, or a *BootFailure.
// An unknown family is a configuration error and is returned unwrapped
// before anything is sent.
func (o *Orchestrator) Boot(ctx context.Context, c Console, family profile.Family, commands []string) error {
	pol, err := profile.LookupFamily(family)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	t := pol.Defaults
	if o.timeouts != nil {
		t = *o.timeouts
		t.Merge(pol.Defaults)
	}

	a := &attempt{
		o:     o,
		c:     c,
		pol:   pol,
		t:     t,
		log:   o.log.With("family", family),
		state: StateIdle,
	}
	if o.device != "" {
		a.log = a.log.With("device", o.device)
	}
	return a.run(ctx, commands)
}

func (a *attempt) run(ctx context.Context, commands []string) error {
	if len(commands) == 0 {
		return a.fail(StageCommandInjection, ErrNoBootCommands)
	}

	a.set(StateSoftResetting)
	if err := a.softReset(ctx); err != nil {
		if !errors.Is(err, console.ErrExpectTimeout) {
			return a.fail(StageSoftReset, err)
		}
		a.log.Warn("soft reset not acknowledged, escalating to hard reset", "timeout", a.t.SoftReset)
		if err := a.hardResetOnce(ctx); err != nil {
			return a.fail(StageHardReset, err)
		}
	}

	a.set(StateAwaitingBootloader)
	if err := a.enterBootloader(ctx); err != nil {
		// Only a timeout after a soft reset earns the single hard reset.
		if a.hardReset || !errors.Is(err, console.ErrExpectTimeout) {
			return a.fail(StageBootloaderEntry, err)
		}
		a.log.Warn("bootloader not reached after soft reset, escalating to hard reset", "error", err)
		if err := a.hardResetOnce(ctx); err != nil {
			return a.fail(StageHardReset, err)
		}
		if err := a.enterBootloader(ctx); err != nil {
			return a.fail(StageBootloaderEntry, err)
		}
	}

	a.set(StateInjectingCommands)
	if err := a.inject(ctx, commands); err != nil {
		return a.fail(StageCommandInjection, err)
	}

	a.set(StateBooted)
	a.log.Info("boot commands sent", "commands", len(commands), "hard_reset", a.hardReset)
	return nil
}

func (a *attempt) softReset(ctx context.Context) error {
	if err := a.c.SendLine(a.pol.RebootCommand); err != nil {
		return err
	}
	_, err := a.c.Expect(ctx, []string{a.pol.RestartAck}, a.t.SoftReset)
	return err
}

// hardResetOnce resets the board through the console multiplexer and runs
// the family's after-reset hook. It never runs twice in one attempt.
func (a *attempt) hardResetOnce(ctx context.Context) error {
	if a.hardReset {
		return errors.New("hard reset already used in this attempt")
	}
	a.hardReset = true
	a.event("hard reset")

	if err := a.c.SendRaw([]byte(a.pol.EscapeSequence)); err != nil {
		return err
	}
	if err := a.c.SendLine(a.pol.HardResetCommand); err != nil {
		return err
	}
	if a.pol.AfterHardReset != nil {
		if err := a.pol.AfterHardReset(ctx, a.c, a.pol, a.t); err != nil {
			return err
		}
	}
	return nil
}

// enterBootloader stops autoboot. A zero BootloaderEntry timeout defers to
// the session default.
func (a *attempt) enterBootloader(ctx context.Context) error {
	if _, err := a.c.Expect(ctx, []string{a.pol.AutobootInterrupt}, a.t.BootloaderEntry); err != nil {
		return err
	}
	return a.c.SendLine("")
}

// inject sends commands[0] right away since entering the bootloader already
// consumed its first prompt. Every later command waits for the prompt that
// follows the previous one.
func (a *attempt) inject(ctx context.Context, commands []string) error {
	if err := a.c.SendLine(commands[0]); err != nil {
		return fmt.Errorf("sending command 1 of %d: %w", len(commands), err)
	}
	for i := 1; i < len(commands); i++ {
		if _, err := a.c.Expect(ctx, []string{a.pol.Prompt}, a.t.BootLine); err != nil {
			return fmt.Errorf("waiting for prompt after command %d of %d: %w", i, len(commands), err)
		}
		if err := a.c.SendLine(commands[i]); err != nil {
			return fmt.Errorf("sending command %d of %d: %w", i+1, len(commands), err)
		}
	}
	return nil
}

func (a *attempt) set(s State) {
	a.log.Debug("boot state", "from", a.state, "to", s)
	a.state = s
	a.event("state " + string(s))
	if a.o.observe != nil {
		a.o.observe(s)
	}
}

func (a *attempt) fail(stage Stage, cause error) error {
	f := &BootFailure{Stage: stage, Cause: cause, HardReset: a.hardReset}
	a.log.Error("boot failed", "stage", stage, "error", cause, "hard_reset", a.hardReset)
	a.set(StateFailed)
	a.event(f.Error())
	return f
}

func (a *attempt) event(msg string) {
	if a.o.events == nil {
		return
	}
	err := a.o.events.Append(sink.Entry{
		Time:   time.Now(),
		Device: a.o.device,
		Dir:    sink.DirEvent,
		Data:   []byte(msg),
	})
	if err != nil {
		a.log.Warn("recording boot event failed", "error", err)
	}
}
