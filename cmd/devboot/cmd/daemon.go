package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/daemon"
	"github.com/baiirun/devboot/internal/term"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the daemon",
	Long:  `Start or stop devbootd, or check whether it is running.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(resolveSocketPath(cmd))
		status, err := c.StatusFull()
		if err != nil {
			if errors.Is(err, client.ErrDaemonNotRunning) {
				fmt.Println(term.Dim("not running"))
				fmt.Println("\nTo start: devboot daemon start")
				return
			}
			Fatal("%v", err)
		}

		fmt.Printf("%s on %s\n", term.Green("running"), c.SocketPath())
		fmt.Printf("  devices: %d, booting: %d/%d, mode: %s\n",
			len(status.Devices), status.Running, status.Concurrency, status.Mode)
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start devbootd in the foreground.

Flags override the config file (.devboot.yaml), which overrides defaults.
Send SIGINT/SIGTERM or run 'devboot daemon stop' to shut down; running
boot attempts are aborted and recorded as such.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := daemonConfig(cmd)
		if err != nil {
			Fatal("%v", err)
		}

		d, err := daemon.New(cfg)
		if err != nil {
			Fatal("%v", err)
		}
		if err := d.Run(); err != nil {
			Fatal("%v", err)
		}
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Ask the running daemon to shut down. Running boot attempts are aborted.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(resolveSocketPath(cmd))
		if err := c.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("daemon stopping")
	},
}

// daemonConfig builds a validated daemon config from flags and the config
// file.
func daemonConfig(cmd *cobra.Command) (daemon.Config, error) {
	var cfg daemon.Config
	f := cmd.Flags()
	cfg.ProfileDir, _ = f.GetString("profile-dir")
	cfg.LogDir, _ = f.GetString("log-dir")
	cfg.StateDir, _ = f.GetString("state-dir")
	cfg.Concurrency, _ = f.GetInt("concurrency")
	cfg.WatchProfiles, _ = f.GetBool("watch")
	cfg.AbortGrace, _ = f.GetDuration("abort-grace")

	if err := loadConfig(cmd, &cfg); err != nil {
		return cfg, err
	}
	cfg.Logger = newLogger(cmd)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)

	f := daemonStartCmd.Flags()
	f.String("profile-dir", "", "directory of device profiles (default "+daemon.DefaultProfileDir+")")
	f.String("log-dir", "", "directory for console transcripts (default "+daemon.DefaultLogDir+")")
	f.String("state-dir", "", "directory for the boot registry (default "+daemon.DefaultStateDir+")")
	f.Int("concurrency", 0, fmt.Sprintf("max devices booting at once (default %d)", daemon.DefaultConcurrency))
	f.Bool("watch", false, "reload profiles when the profile directory changes")
	f.Duration("abort-grace", 0, fmt.Sprintf("time a console gets to exit on abort (default %s)", daemon.DefaultAbortGrace))
}
