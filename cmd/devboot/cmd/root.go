package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/baiirun/devboot/internal/daemon"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/term"
	"github.com/spf13/cobra"
)

// DefaultConfigFile is read from the working directory when --config is
// not given.
const DefaultConfigFile = ".devboot.yaml"

var rootCmd = &cobra.Command{
	Use:   "devboot",
	Short: "devboot - drive lab boards from reset to a running boot sequence",
	Long: `devboot attaches to the serial console of a lab device, resets it,
interrupts the bootloader and types the device's boot commands.

A soft reset that is not acknowledged escalates to a single hard reset
through the console multiplexer. Every byte read from or written to the
console is appended to a per-device JSONL transcript.

Most commands talk to the daemon (devboot daemon start). Use
'devboot boot --local' to drive a console directly.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		term.Disable(noColor)
	},
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./"+DefaultConfigFile+")")
	rootCmd.PersistentFlags().String("socket", "", "daemon socket path (default derived from --lab)")
	rootCmd.PersistentFlags().String("lab", "", "lab name; scopes the daemon socket")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// newLogger returns the text logger used by the daemon and local boots.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// configPath returns the --config value or the default file name.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return DefaultConfigFile
}

// loadConfig layers the global flags over the config file. Defaults are not
// applied; callers add their own flags first, then call ApplyDefaults.
func loadConfig(cmd *cobra.Command, cfg *daemon.Config) error {
	if cfg.SocketPath == "" {
		cfg.SocketPath, _ = cmd.Flags().GetString("socket")
	}
	if cfg.Lab == "" {
		cfg.Lab, _ = cmd.Flags().GetString("lab")
	}

	path := configPath(cmd)
	explicit := cmd.Flags().Changed("config")
	if explicit {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	return daemon.LoadConfigFile(path, cfg)
}

// resolveSocketPath picks the daemon socket: --socket, then --lab, then the
// config file, then the default.
func resolveSocketPath(cmd *cobra.Command) string {
	var cfg daemon.Config
	if err := loadConfig(cmd, &cfg); err != nil {
		Fatal("%v", err)
	}
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return protocol.SocketPathFor(cfg.Lab)
}
