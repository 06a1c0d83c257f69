// Package profile holds device profiles: the per-device configuration record
// (console command, family, boot commands, timeouts) and the family table the
// boot sequence consults for prompts, timeouts and reset quirks.
package profile

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	DefaultSoftReset       = 120 * time.Second
	DefaultHardResetSettle = 10 * time.Second
	DefaultMasterShell     = 60 * time.Second
	DefaultBootLine        = 300 * time.Second
	DefaultSession         = time.Hour
	DefaultSendDelay       = time.Second

	// DefaultConsoleCommand is the console bridge started for a device.
	// The device name is appended as its only argument.
	DefaultConsoleCommand = "conmux-console"
)

// ErrInvalidProfile is wrapped by every validation failure.
var ErrInvalidProfile = errors.New("invalid device profile")

// validName restricts device names to characters safe for log file paths
// and console command arguments.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Timeouts are the per-stage deadlines of a boot attempt.
//
// A zero BootloaderEntry means "use the session default", matching a
// console that has just been reset and is expected to reach the bootloader
// on its own schedule.
type Timeouts struct {
	SoftReset       time.Duration `yaml:"soft_reset" json:"soft_reset"`
	HardResetSettle time.Duration `yaml:"hard_reset_settle" json:"hard_reset_settle"`
	MasterShell     time.Duration `yaml:"master_shell" json:"master_shell"`
	BootloaderEntry time.Duration `yaml:"bootloader_entry" json:"bootloader_entry"`
	BootLine        time.Duration `yaml:"boot_line" json:"boot_line"`
	Session         time.Duration `yaml:"session" json:"session"`
}

// ApplyDefaults fills in zero-valued fields with the package defaults.
func (t *Timeouts) ApplyDefaults() {
	if t.SoftReset == 0 {
		t.SoftReset = DefaultSoftReset
	}
	if t.HardResetSettle == 0 {
		t.HardResetSettle = DefaultHardResetSettle
	}
	if t.MasterShell == 0 {
		t.MasterShell = DefaultMasterShell
	}
	if t.BootLine == 0 {
		t.BootLine = DefaultBootLine
	}
	if t.Session == 0 {
		t.Session = DefaultSession
	}
}

// Merge copies fields of src into t where t is zero.
func (t *Timeouts) Merge(src Timeouts) {
	if t.SoftReset == 0 {
		t.SoftReset = src.SoftReset
	}
	if t.HardResetSettle == 0 {
		t.HardResetSettle = src.HardResetSettle
	}
	if t.MasterShell == 0 {
		t.MasterShell = src.MasterShell
	}
	if t.BootloaderEntry == 0 {
		t.BootloaderEntry = src.BootloaderEntry
	}
	if t.BootLine == 0 {
		t.BootLine = src.BootLine
	}
	if t.Session == 0 {
		t.Session = src.Session
	}
}

// Profile is the configuration record for one lab device.
//
// Profiles are loaded from YAML files (see LoadFile) and treated as immutable
// once handed to a console session.
type Profile struct {
	// Name is the device hostname as known to the console multiplexer.
	Name string `yaml:"name" json:"name"`

	// DeviceType is the board type (panda, mx53loco, snowball_sd, ...).
	// It picks the family when Family is empty.
	DeviceType string `yaml:"device_type,omitempty" json:"device_type,omitempty"`

	// Family selects prompts and quirks. Explicit values win over DeviceType.
	Family Family `yaml:"family,omitempty" json:"family"`

	// SpawnCommand starts the console bridge. Defaults to
	// "conmux-console <name>".
	SpawnCommand string `yaml:"spawn_command,omitempty" json:"spawn_command"`

	// BootCommands are sent to the bootloader in order.
	BootCommands []string `yaml:"boot_commands" json:"boot_commands"`

	// SendDelay is slept before every write to the console. Serial links
	// behind some multiplexers drop input sent right after a prompt.
	SendDelay time.Duration `yaml:"send_delay,omitempty" json:"send_delay"`

	Timeouts Timeouts `yaml:"timeouts,omitempty" json:"timeouts"`

	// Notes is free-form markdown for operators (jumper settings, known
	// quirks). It has no effect on booting.
	Notes string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// ApplyDefaults resolves the family and fills zero-valued fields from the
// family defaults and package defaults.
func (p *Profile) ApplyDefaults() {
	if p.Family == "" {
		p.Family = FamilyForDeviceType(p.DeviceType)
	}
	if p.SpawnCommand == "" && p.Name != "" {
		p.SpawnCommand = DefaultConsoleCommand + " " + p.Name
	}
	if p.SendDelay == 0 {
		p.SendDelay = DefaultSendDelay
	}
	if pol, err := LookupFamily(p.Family); err == nil {
		p.Timeouts.Merge(pol.Defaults)
	}
	p.Timeouts.ApplyDefaults()
}

// Validate checks that the profile can drive a boot. Call after ApplyDefaults.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if !validName.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q contains invalid characters (allowed: letters, digits, hyphens, underscores, dots)", ErrInvalidProfile, p.Name)
	}
	if _, err := LookupFamily(p.Family); err != nil {
		return fmt.Errorf("%w: device %s: %w", ErrInvalidProfile, p.Name, err)
	}
	if p.SpawnCommand == "" {
		return fmt.Errorf("%w: device %s: spawn_command must not be empty", ErrInvalidProfile, p.Name)
	}
	if len(p.BootCommands) == 0 {
		return fmt.Errorf("%w: device %s: boot_commands must not be empty", ErrInvalidProfile, p.Name)
	}
	if p.SendDelay < 0 {
		return fmt.Errorf("%w: device %s: send_delay must be non-negative, got %v", ErrInvalidProfile, p.Name, p.SendDelay)
	}
	t := p.Timeouts
	for name, d := range map[string]time.Duration{
		"soft_reset": t.SoftReset,
		"boot_line":  t.BootLine,
		"session":    t.Session,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: device %s: timeouts.%s must be positive, got %v", ErrInvalidProfile, p.Name, name, d)
		}
	}
	if t.BootloaderEntry < 0 || t.HardResetSettle < 0 || t.MasterShell < 0 {
		return fmt.Errorf("%w: device %s: timeouts must be non-negative", ErrInvalidProfile, p.Name)
	}
	return nil
}

// Policy returns the family table entry for the profile.
func (p *Profile) Policy() (*Policy, error) {
	return LookupFamily(p.Family)
}
