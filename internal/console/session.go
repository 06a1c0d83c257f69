// Package console attaches to a lab device's serial console through a
// console-bridging subprocess (conmux-console and friends) and drives it with
// line sends and pattern expects.
//
// A Session owns exactly one bridge process. Every byte read from or written
// to the console is appended to the caller's sink. Sessions are meant to be
// used from a single goroutine per device; the surrounding job layer is
// responsible for never sharing one between concurrent callers.
//
//	sess, err := console.Open(ctx, prof, transcript)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	if err := sess.SendLine("reboot"); err != nil {
//	    return err
//	}
//	m, err := sess.Expect(ctx, []string{"Will now restart"}, 2*time.Minute)
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/baiirun/devboot/internal/expect"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/sink"
	"vawter.tech/stopper"
)

const (
	// DefaultCloseGrace is how long Close waits for the bridge to exit after
	// SIGTERM before sending SIGKILL.
	DefaultCloseGrace = 2 * time.Second

	// DefaultMaxBuffer bounds unmatched console output kept for Expect.
	DefaultMaxBuffer = 1 << 20

	readChunkSize = 4096
	timeoutTail   = 256
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnected State = "connected"
	StateDead      State = "dead"
)

// Session is a live connection to one device console.
type Session struct {
	device    string
	command   string
	proc      Process
	sink      sink.Sink
	log       *slog.Logger
	sendDelay time.Duration
	timeout   time.Duration
	grace     time.Duration

	// buf and last are only touched by the calling goroutine.
	buf  *expect.Buffer
	last expect.Match

	mu      sync.Mutex
	pending []byte
	cause   error
	exitErr error
	sinkErr bool

	notify chan struct{}
	dead   chan struct{}
	exited chan struct{}

	stop      *stopper.Context
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Session.
type Option func(*options)

type options struct {
	starter   Starter
	log       *slog.Logger
	sendDelay *time.Duration
	timeout   time.Duration
	grace     time.Duration
	maxBuffer int
}

// WithStarter replaces the process starter (PtyStarter by default).
func WithStarter(s Starter) Option {
	return func(o *options) { o.starter = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithSendDelay overrides the profile's delay before each send.
func WithSendDelay(d time.Duration) Option {
	return func(o *options) { o.sendDelay = &d }
}

// WithDefaultTimeout overrides the profile's session timeout, which Expect
// uses when called with a non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCloseGrace sets how long Close waits between SIGTERM and SIGKILL.
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithMaxBuffer bounds the unmatched output kept between expects.
func WithMaxBuffer(n int) Option {
	return func(o *options) { o.maxBuffer = n }
}

// Open spawns the console bridge for p and returns a connected session.
//
// The session is bound to ctx: cancelling it kills the bridge, which makes
// any in-flight or later operation fail with ErrSessionDead. Callers must
// Close the session on every path.
func Open(ctx context.Context, p profile.Profile, s sink.Sink, opts ...Option) (*Session, error) {
	o := options{
		starter:   PtyStarter,
		log:       slog.Default(),
		timeout:   p.Timeouts.Session,
		grace:     DefaultCloseGrace,
		maxBuffer: DefaultMaxBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = profile.DefaultSession
	}
	sendDelay := p.SendDelay
	if o.sendDelay != nil {
		sendDelay = *o.sendDelay
	}
	if s == nil {
		s = sink.Discard
	}

	command := p.SpawnCommand
	if command == "" && p.Name != "" {
		command = profile.DefaultConsoleCommand + " " + p.Name
	}

	proc, err := o.starter(ctx, p.Name, command)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	sess := &Session{
		device:    p.Name,
		command:   command,
		proc:      proc,
		sink:      s,
		log:       o.log.With("device", p.Name),
		sendDelay: sendDelay,
		timeout:   o.timeout,
		grace:     o.grace,
		buf:       expect.NewBuffer(o.maxBuffer),
		notify:    make(chan struct{}, 1),
		dead:      make(chan struct{}),
		exited:    make(chan struct{}),
		stop:      stopper.WithContext(context.Background()),
	}

	sess.stop.Go(func(*stopper.Context) error {
		sess.readLoop()
		return nil
	})
	sess.stop.Go(func(*stopper.Context) error {
		err := proc.Wait()
		sess.mu.Lock()
		sess.exitErr = err
		sess.mu.Unlock()
		close(sess.exited)
		return nil
	})
	sess.stop.Go(func(sctx *stopper.Context) error {
		select {
		case <-ctx.Done():
			sess.log.Info("console context done, killing bridge", "error", ctx.Err())
			_ = sess.kill(ctx.Err())
		case <-sess.dead:
		case <-sctx.Stopping():
		}
		return nil
	})

	sess.log.Info("console attached", "command", command, "pid", proc.PID())
	return sess, nil
}

// readLoop copies bridge output into the sink and the pending buffer until
// the bridge goes away. Output is recorded before Expect can see it.
func (s *Session) readLoop() {
	b := make([]byte, readChunkSize)
	for {
		n, err := s.proc.Read(b)
		if n > 0 {
			chunk := append([]byte(nil), b[:n]...)
			s.record(sink.DirIn, chunk)

			s.mu.Lock()
			s.pending = append(s.pending, chunk...)
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			s.markDead(err)
			return
		}
	}
}

// markDead records the first cause of death and wakes all waiters.
func (s *Session) markDead(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.dead:
		return
	default:
	}
	if s.cause == nil {
		s.cause = cause
	}
	close(s.dead)
	s.log.Debug("console session dead", "cause", s.cause)
}

func (s *Session) record(dir sink.Direction, data []byte) {
	err := s.sink.Append(sink.Entry{Time: time.Now(), Device: s.device, Dir: dir, Data: data})
	if err == nil {
		return
	}
	s.mu.Lock()
	first := !s.sinkErr
	s.sinkErr = true
	s.mu.Unlock()
	if first {
		s.log.Warn("console sink append failed", "error", err)
	}
}

// Device returns the name of the device the session is attached to.
func (s *Session) Device() string { return s.device }

// State reports whether the bridge is still connected.
func (s *Session) State() State {
	if s.Alive() {
		return StateConnected
	}
	return StateDead
}

// Alive reports whether the bridge is still connected.
func (s *Session) Alive() bool {
	select {
	case <-s.dead:
		return false
	default:
		return true
	}
}

// Done is closed when the session dies.
func (s *Session) Done() <-chan struct{} { return s.dead }

// Err returns why the session died, or nil while it is connected. When the
// bridge has exited, its exit error is preferred over the read error.
func (s *Session) Err() error {
	if s.Alive() {
		return nil
	}
	return s.deadError()
}

func (s *Session) deadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cause := s.cause
	select {
	case <-s.exited:
		if s.exitErr != nil {
			cause = s.exitErr
		}
	default:
	}
	return &SessionDeadError{Device: s.device, Cause: cause}
}

// SendLine writes text followed by a newline.
func (s *Session) SendLine(text string) error {
	return s.send([]byte(text + "\n"))
}

// SendRaw writes b as-is, without a line terminator. Used for console
// multiplexer escape sequences.
func (s *Session) SendRaw(b []byte) error {
	return s.send(b)
}

// SendControl sends ctrl-c for the given character, e.g. SendControl('c')
// for an interrupt or SendControl(']') for a telnet escape.
func (s *Session) SendControl(c byte) error {
	b, err := controlByte(c)
	if err != nil {
		return err
	}
	return s.send([]byte{b})
}

func controlByte(c byte) (byte, error) {
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= 'A' && c <= 'Z':
		return c - 'A' + 1, nil
	}
	switch c {
	case '@':
		return 0, nil
	case '[':
		return 27, nil
	case '\\':
		return 28, nil
	case ']':
		return 29, nil
	case '^':
		return 30, nil
	case '_':
		return 31, nil
	case '?':
		return 127, nil
	}
	return 0, fmt.Errorf("console: no control character for %q", c)
}

func (s *Session) send(b []byte) error {
	if !s.Alive() {
		return s.deadError()
	}
	if s.sendDelay > 0 {
		timer := time.NewTimer(s.sendDelay)
		select {
		case <-timer.C:
		case <-s.dead:
			timer.Stop()
			return s.deadError()
		}
	}

	s.record(sink.DirOut, b)
	if _, err := s.proc.Write(b); err != nil {
		if !s.Alive() {
			return s.deadError()
		}
		return &SessionDeadError{Device: s.device, Cause: fmt.Errorf("write: %w", err)}
	}
	return nil
}

// Expect blocks until one of patterns matches the console output, the
// timeout elapses, ctx is done, or the bridge exits.
//
// Patterns are regular expressions tried in list order whenever new output
// arrives; the first one that matches wins. Output up to the end of the match
// is consumed. A non-positive timeout uses the session default.
//
// Errors: ErrExpectTimeout (as *ExpectTimeoutError), ErrSessionDead (as
// *SessionDeadError), ctx.Err(), or a pattern compile error.
func (s *Session) Expect(ctx context.Context, patterns []string, timeout time.Duration) (expect.Match, error) {
	res, err := expect.Compile(patterns)
	if err != nil {
		return expect.Match{}, fmt.Errorf("console: %w", err)
	}
	if !s.Alive() {
		return expect.Match{}, s.deadError()
	}
	if timeout <= 0 {
		timeout = s.timeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.drain()
		if m, ok := s.buf.Search(res); ok {
			s.last = m
			return m, nil
		}

		select {
		case <-s.notify:
		case <-s.dead:
			// The read loop buffers everything before marking the session
			// dead, so this final pass sees the bridge's last words.
			s.drain()
			if m, ok := s.buf.Search(res); ok {
				s.last = m
				return m, nil
			}
			return expect.Match{}, s.deadError()
		case <-timer.C:
			return expect.Match{}, &ExpectTimeoutError{
				Patterns: append([]string(nil), patterns...),
				Timeout:  timeout,
				Tail:     tail(s.buf.String(), timeoutTail),
			}
		case <-ctx.Done():
			return expect.Match{}, ctx.Err()
		}
	}
}

func (s *Session) drain() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(p) > 0 {
		s.buf.Append(p)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// LastMatch returns the most recent successful match.
func (s *Session) LastMatch() expect.Match { return s.last }

// Kill aborts the session by killing the bridge. In-flight and later
// operations fail with ErrSessionDead. Close must still be called.
func (s *Session) Kill() error {
	return s.kill(errors.New("killed"))
}

func (s *Session) kill(cause error) error {
	if !s.Alive() {
		return nil
	}
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	if err := s.proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("console %s: kill: %w", s.device, err)
	}
	return nil
}

// Close terminates the bridge and releases the terminal. It is safe to call
// more than once and on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.terminate()
	})
	return s.closeErr
}

func (s *Session) terminate() error {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = errors.New("closed")
	}
	s.mu.Unlock()

	select {
	case <-s.exited:
	default:
		_ = s.proc.Signal(syscall.SIGTERM)
		timer := time.NewTimer(s.grace)
		select {
		case <-s.exited:
			timer.Stop()
		case <-timer.C:
			s.log.Warn("console bridge ignored SIGTERM, killing", "grace", s.grace)
			_ = s.proc.Signal(syscall.SIGKILL)
		}
	}
	closeErr := s.proc.Close()

	s.stop.Stop(s.grace)
	select {
	case <-s.dead:
	case <-time.After(s.grace):
		return fmt.Errorf("console %s: reader did not exit after close", s.device)
	}
	if err := s.stop.Wait(); err != nil {
		return err
	}
	s.log.Info("console detached")
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("console %s: closing terminal: %w", s.device, closeErr)
	}
	return nil
}
