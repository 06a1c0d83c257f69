package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baiirun/devboot/internal/boot"
	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/daemon"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/sink"
	"github.com/baiirun/devboot/internal/term"
	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot <device>",
	Short: "Reset a device and run its boot commands",
	Long: `Reset a device, interrupt its bootloader and send its boot commands.

By default the attempt runs in the daemon and this command returns as soon
as it has started. Use --wait to block until it finishes; the exit status
is non-zero unless the device booted.

--cmd overrides the profile's boot commands for this attempt and may be
repeated. --local drives the console from this process instead of the
daemon, reading profiles from --profile-dir or a single --profile file.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commands, _ := cmd.Flags().GetStringArray("cmd")
		local, _ := cmd.Flags().GetBool("local")

		if local {
			booted, err := runLocalBoot(cmd, args[0], commands)
			if err != nil {
				Fatal("%v", err)
			}
			if !booted {
				os.Exit(1)
			}
			return
		}

		wait, _ := cmd.Flags().GetBool("wait")
		c := client.New(resolveSocketPath(cmd))
		started, err := c.BootStart(args[0], commands)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if errors.Is(err, client.ErrDaemonNotRunning) {
				fmt.Fprintf(os.Stderr, "\nStart the daemon with: devboot daemon start\nor boot without it:   devboot boot --local %s\n", args[0])
			}
			os.Exit(1)
		}

		fmt.Printf("%s attempt %s on %s\n", term.Green("started"), term.Blue(started.ID.Short()), term.Cyan(started.Device))
		fmt.Printf("  transcript: %s\n", term.Dim(started.Transcript))
		if !wait {
			return
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		last, err := waitForAttempt(c, started.Device, started.ID, interval)
		if err != nil {
			Fatal("%v", err)
		}
		printAttemptResult(started.Device, last)
		if last.Status != "booted" {
			os.Exit(1)
		}
	},
}

// waitForAttempt polls the daemon until the attempt id on device has
// finished, and returns its outcome.
func waitForAttempt(c *client.Client, device string, id protocol.AttemptID, interval time.Duration) (*protocol.AttemptStatus, error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastState := ""
	for {
		st, err := c.DeviceStatus(device)
		if err != nil {
			return nil, err
		}
		if st.Busy && st.State != lastState {
			lastState = st.State
			fmt.Printf("  %s\n", term.StateColor(st.State)(st.State))
		}
		if !st.Busy && st.Last != nil && st.Last.ID == id {
			return st.Last, nil
		}

		select {
		case <-sigCh:
			return nil, fmt.Errorf("interrupted; attempt %s keeps running (devboot abort %s)", id.Short(), device)
		case <-ticker.C:
		}
	}
}

func printAttemptResult(device string, st *protocol.AttemptStatus) {
	took := ""
	if !st.FinishedAt.IsZero() {
		took = st.FinishedAt.Sub(st.StartedAt).Round(time.Second).String()
	}
	fmt.Printf("%s %s %s\n", term.Cyan(device), term.StateColor(st.Status)(st.Status), term.Dim(took))
	if st.HardReset {
		fmt.Printf("  %s\n", term.Yellow("escalated to hard reset"))
	}
	if st.Error != "" {
		fmt.Printf("  %s %s\n", term.Red("!"), st.Error)
	}
}

// runLocalBoot drives the console from this process and reports whether
// the device booted. Ctrl-C kills the console bridge and fails the attempt.
func runLocalBoot(cmd *cobra.Command, device string, commands []string) (bool, error) {
	var cfg daemon.Config
	cfg.ProfileDir, _ = cmd.Flags().GetString("profile-dir")
	cfg.LogDir, _ = cmd.Flags().GetString("log-dir")
	if err := loadConfig(cmd, &cfg); err != nil {
		return false, err
	}
	cfg.ApplyDefaults()
	log := newLogger(cmd)

	prof, err := findProfile(cmd, cfg.ProfileDir, device)
	if err != nil {
		return false, err
	}
	if len(commands) == 0 {
		commands = prof.BootCommands
	}

	transcript, err := sink.OpenTranscript(cfg.LogDir, prof.Name)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := transcript.Close(); err != nil {
			log.Warn("closing transcript", "error", err)
		}
	}()

	var out sink.Sink = transcript
	echo, _ := cmd.Flags().GetBool("echo")
	if echo {
		out = sink.Tee(transcript, sink.NewWriter(os.Stdout, sink.DirIn))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = boot.BootDeviceWith(ctx, prof, commands, out,
		boot.WithLogger(log),
		boot.WithObserver(func(s boot.State) {
			if !echo {
				fmt.Fprintf(os.Stderr, "  %s\n", term.StateColor(string(s))(string(s)))
			}
		}),
	)

	st := &protocol.AttemptStatus{Status: "booted", StartedAt: start, FinishedAt: time.Now()}
	if err != nil {
		st.Status = "failed"
		st.Error = err.Error()
		var f *boot.BootFailure
		if errors.As(err, &f) {
			st.Stage = string(f.Stage)
			st.HardReset = f.HardReset
		}
	}
	if echo {
		fmt.Println()
	}
	printAttemptResult(prof.Name, st)
	fmt.Printf("  transcript: %s\n", term.Dim(sink.TranscriptPath(cfg.LogDir, prof.Name)))
	return err == nil, nil
}

// findProfile loads the --profile file, or the profile named device from
// dir.
func findProfile(cmd *cobra.Command, dir, device string) (profile.Profile, error) {
	if path, _ := cmd.Flags().GetString("profile"); path != "" {
		p, err := profile.LoadFile(path)
		if err != nil {
			return profile.Profile{}, err
		}
		if p.Name != device {
			return profile.Profile{}, fmt.Errorf("profile %s is for %q, not %q", path, p.Name, device)
		}
		return p, nil
	}

	list, err := profile.LoadDir(dir)
	if err != nil {
		return profile.Profile{}, err
	}
	for _, p := range list {
		if p.Name == device {
			return p, nil
		}
	}
	return profile.Profile{}, fmt.Errorf("unknown device %q (no profile in %s)", device, dir)
}

var abortCmd = &cobra.Command{
	Use:   "abort <device>",
	Short: "Abort the running boot attempt on a device",
	Long: `Cancel the boot attempt running in the daemon for a device.

The console bridge is terminated and the attempt is recorded as aborted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(resolveSocketPath(cmd))
		res, err := c.BootAbort(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s attempt %s on %s\n", term.Yellow("aborting"), term.Blue(res.ID.Short()), term.Cyan(res.Device))
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(abortCmd)

	f := bootCmd.Flags()
	f.StringArray("cmd", nil, "boot command to send instead of the profile's (repeatable)")
	f.BoolP("wait", "w", false, "wait for the attempt to finish")
	f.Duration("interval", 500*time.Millisecond, "poll interval for --wait")
	f.Bool("local", false, "drive the console from this process instead of the daemon")
	f.Bool("echo", false, "with --local, copy console output to stdout")
	f.String("profile", "", "with --local, load this profile file")
	f.String("profile-dir", "", "with --local, directory of device profiles")
	f.String("log-dir", "", "with --local, directory for the console transcript")
}
