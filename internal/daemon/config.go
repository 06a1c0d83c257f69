package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/protocol"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProfileDir  = "devices"
	DefaultLogDir      = ".devboot/logs"
	DefaultStateDir    = ".devboot/state"
	DefaultConcurrency = 8
	DefaultAbortGrace  = 5 * time.Second
)

// validLabName restricts lab names to characters safe for socket paths.
var validLabName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Config holds daemon configuration.
//
// Configuration is assembled from three sources in priority order:
//  1. CLI flags (highest priority)
//  2. Config file (.devboot.yaml)
//  3. Defaults (lowest priority)
type Config struct {
	// SocketPath is the Unix socket path for the RPC server.
	SocketPath string `yaml:"socket_path"`

	// Lab names the device lab this daemon drives. It scopes the default
	// socket path. Optional.
	Lab string `yaml:"lab"`

	// ProfileDir holds one YAML device profile per file.
	ProfileDir string `yaml:"profile_dir"`

	// LogDir receives one <device>.jsonl console transcript per device.
	LogDir string `yaml:"log_dir"`

	// StateDir holds the boot attempt registry (boots.json).
	StateDir string `yaml:"state_dir"`

	// Concurrency caps how many devices boot at the same time. Boots beyond
	// the cap are accepted and wait for a slot.
	Concurrency int `yaml:"concurrency"`

	// WatchProfiles reloads ProfileDir when files in it change.
	WatchProfiles bool `yaml:"watch_profiles"`

	// AbortGrace is how long a console bridge gets to exit after SIGTERM when
	// a boot is aborted or the daemon shuts down.
	AbortGrace time.Duration `yaml:"abort_grace"`

	// Starter spawns console bridges. Not configurable via file/flags.
	Starter console.Starter `yaml:"-"`

	// Logger is the structured logger. Not configurable via file/flags.
	Logger *slog.Logger `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = protocol.SocketPathFor(c.Lab)
	}
	if c.ProfileDir == "" {
		c.ProfileDir = DefaultProfileDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.AbortGrace == 0 {
		c.AbortGrace = DefaultAbortGrace
	}
	if c.Starter == nil {
		c.Starter = console.PtyStarter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks that configuration values are valid.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Lab != "" && !validLabName.MatchString(c.Lab) {
		return fmt.Errorf("lab name %q contains invalid characters (allowed: letters, digits, hyphens, underscores, dots)", c.Lab)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.AbortGrace <= 0 {
		return fmt.Errorf("abort-grace must be positive, got %v", c.AbortGrace)
	}

	// Resolve directories to absolute paths so detached daemons don't
	// depend on cwd.
	for _, dir := range []*string{&c.ProfileDir, &c.LogDir, &c.StateDir} {
		if filepath.IsAbs(*dir) {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", *dir, err)
		}
		*dir = abs
	}

	info, err := os.Stat(c.ProfileDir)
	if err != nil {
		return fmt.Errorf("profile-dir %q: %w", c.ProfileDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("profile-dir %q is not a directory", c.ProfileDir)
	}
	return nil
}

// LoadConfigFile reads a YAML config file and merges it into the config.
// Only zero-valued fields are overwritten, so CLI flags take precedence.
// Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst, but only where
// dst has the zero value.
func mergeConfig(src, dst *Config) {
	if dst.SocketPath == "" {
		dst.SocketPath = src.SocketPath
	}
	if dst.Lab == "" {
		dst.Lab = src.Lab
	}
	if dst.ProfileDir == "" {
		dst.ProfileDir = src.ProfileDir
	}
	if dst.LogDir == "" {
		dst.LogDir = src.LogDir
	}
	if dst.StateDir == "" {
		dst.StateDir = src.StateDir
	}
	if dst.Concurrency == 0 {
		dst.Concurrency = src.Concurrency
	}
	if dst.AbortGrace == 0 {
		dst.AbortGrace = src.AbortGrace
	}
	// Bool zero is false, so only true can be merged from the file.
	if src.WatchProfiles && !dst.WatchProfiles {
		dst.WatchProfiles = true
	}
}
