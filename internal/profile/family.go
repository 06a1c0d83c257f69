package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/baiirun/devboot/internal/expect"
)

// Family is a device family tag. It selects the prompt patterns, default
// timeouts and reset quirks used when booting a device.
type Family string

const (
	FamilyGeneric  Family = "generic"
	FamilyIMX      Family = "imx"
	FamilySnowball Family = "snowball"
)

// Console strings shared by every family known today.
const (
	RestartAckPattern        = "Will now restart"
	AutobootInterruptPattern = "Hit any key to stop autoboot"
	MasterShellPattern       = "root@master"
	DefaultEscapeSequence    = "~$"
	DefaultHardResetCommand  = "hardreset"
	DefaultRebootCommand     = "reboot"
)

// ErrUnknownFamily is returned when a profile names a family that has no
// entry in the family table.
var ErrUnknownFamily = errors.New("unknown device family")

// Conn is the part of a console session that family hooks drive.
// *console.Session satisfies it.
type Conn interface {
	SendLine(text string) error
	SendRaw(b []byte) error
	Expect(ctx context.Context, patterns []string, timeout time.Duration) (expect.Match, error)
}

// Hook runs family-specific work at a fixed point of the boot sequence.
type Hook func(ctx context.Context, c Conn, p *Policy, t Timeouts) error

// Policy is the per-family entry of the family table.
type Policy struct {
	Family Family

	// DeviceTypes are the device type names that resolve to this family.
	DeviceTypes []string

	// Prompt is the continuation prompt the bootloader prints after each
	// boot command. It is a regular expression.
	Prompt string

	RestartAck        string
	AutobootInterrupt string
	MasterShellPrompt string

	// EscapeSequence drops the console multiplexer into its command mode.
	EscapeSequence   string
	HardResetCommand string
	RebootCommand    string

	// Defaults fill the zero fields of a profile's Timeouts.
	Defaults Timeouts

	// AfterHardReset, when set, runs exactly once after the hard-reset
	// command was issued and before bootloader entry.
	AfterHardReset Hook
}

var families = map[Family]*Policy{
	FamilyGeneric: {
		Family:      FamilyGeneric,
		DeviceTypes: []string{"panda", "beagle", "origen", "vexpress"},
		Prompt:      "#",
	},
	FamilyIMX: {
		Family:      FamilyIMX,
		DeviceTypes: []string{"mx51evk", "mx53loco"},
		Prompt:      ">",
	},
	FamilySnowball: {
		Family:         FamilySnowball,
		DeviceTypes:    []string{"snowball_sd"},
		Prompt:         `\$`,
		AfterHardReset: returnToMasterShell,
	},
}

func init() {
	for _, p := range families {
		if p.RestartAck == "" {
			p.RestartAck = RestartAckPattern
		}
		if p.AutobootInterrupt == "" {
			p.AutobootInterrupt = AutobootInterruptPattern
		}
		if p.MasterShellPrompt == "" {
			p.MasterShellPrompt = MasterShellPattern
		}
		if p.EscapeSequence == "" {
			p.EscapeSequence = DefaultEscapeSequence
		}
		if p.HardResetCommand == "" {
			p.HardResetCommand = DefaultHardResetCommand
		}
		if p.RebootCommand == "" {
			p.RebootCommand = DefaultRebootCommand
		}
		p.Defaults.ApplyDefaults()
	}
}

// LookupFamily returns the policy registered for f.
func LookupFamily(f Family) (*Policy, error) {
	p, ok := families[f]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, f)
	}
	return p, nil
}

// FamilyForDeviceType maps a device type name (mx53loco, snowball_sd, ...)
// to its family. Device types not listed anywhere fall back to generic.
func FamilyForDeviceType(deviceType string) Family {
	if _, ok := families[Family(deviceType)]; ok {
		return Family(deviceType)
	}
	for f, p := range families {
		for _, dt := range p.DeviceTypes {
			if dt == deviceType {
				return f
			}
		}
	}
	return FamilyGeneric
}

// Families returns the registered family tags in sorted order.
func Families() []Family {
	out := make([]Family, 0, len(families))
	for f := range families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// returnToMasterShell is the snowball quirk. After a hard reset the board
// needs a settle delay, a forced return to the master image shell and a
// second reboot from there before u-boot shows up on the console.
func returnToMasterShell(ctx context.Context, c Conn, p *Policy, t Timeouts) error {
	if t.HardResetSettle > 0 {
		timer := time.NewTimer(t.HardResetSettle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := c.SendLine(""); err != nil {
		return err
	}
	if _, err := c.Expect(ctx, []string{p.MasterShellPrompt}, t.MasterShell); err != nil {
		return fmt.Errorf("waiting for master shell: %w", err)
	}
	return c.SendLine(p.RebootCommand)
}
