package boot

import (
	"context"

	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/sink"
)

// BootDevice attaches to the console of p, boots it with p's family, boot
// commands and timeouts, and detaches again on every path.
//
// All console traffic and boot events go to s. A console that cannot be
// spawned fails the soft-reset stage, since nothing was sent yet.
// Cancelling ctx kills the console bridge, which aborts the attempt.
func BootDevice(ctx context.Context, p profile.Profile, s sink.Sink, opts ...Option) error {
	return bootDevice(ctx, p, p.BootCommands, s, opts...)
}

// BootDeviceWith is BootDevice with an explicit command list, overriding
// the profile's boot commands for a single attempt.
func BootDeviceWith(ctx context.Context, p profile.Profile, commands []string, s sink.Sink, opts ...Option) error {
	return bootDevice(ctx, p, commands, s, opts...)
}

func bootDevice(ctx context.Context, p profile.Profile, commands []string, s sink.Sink, opts ...Option) error {
	if s == nil {
		s = sink.Discard
	}
	o := New(append([]Option{WithTimeouts(p.Timeouts), WithEvents(s, p.Name)}, opts...)...)
	log := o.log.With("device", p.Name)

	copts := append([]console.Option{console.WithLogger(log)}, o.consoleOpts...)
	sess, err := console.Open(ctx, p, s, copts...)
	if err != nil {
		a := &attempt{o: o, log: log}
		return a.fail(StageSoftReset, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("closing console", "error", err)
		}
	}()

	return o.Boot(ctx, sess, p.Family, commands)
}
