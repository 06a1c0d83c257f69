package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/term"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [device]",
	Short: "Show lab overview or one device",
	Long: `Show every device the daemon knows: whether a boot attempt is running,
its run-state, and the outcome of the last attempt.

With a device name, shows only that device with the full error of its
last attempt.

Use -w/--watch for continuous monitoring (refreshes every 2s by default).

Requires a running daemon.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		c := client.New(resolveSocketPath(cmd))

		if !watch {
			runStatusOnce(c, args, asJSON)
			return
		}
		if asJSON {
			fmt.Fprintf(os.Stderr, "error: --watch and --json cannot be combined\n")
			os.Exit(1)
		}
		runStatusWatch(c, args, interval)
	},
}

func runStatusOnce(c *client.Client, args []string, asJSON bool) {
	status, err := c.StatusFull()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintf(os.Stderr, "\nIs the daemon running? Start it with: devboot daemon start\n")
		os.Exit(1)
	}
	if len(args) == 1 {
		status, err = onlyDevice(status, args[0])
		if err != nil {
			Fatal("%v", err)
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}

	printStatus(os.Stdout, status, len(args) == 1)
}

const minWatchInterval = 500 * time.Millisecond

// runStatusWatch polls the daemon on an interval, clearing the screen between renders.
func runStatusWatch(c *client.Client, args []string, interval time.Duration) {
	if interval < minWatchInterval {
		fmt.Fprintf(os.Stderr, "error: --interval must be at least %s\n", minWatchInterval)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		clearScreen()

		status, err := c.StatusFull()
		if err == nil && len(args) == 1 {
			status, err = onlyDevice(status, args[0])
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			printStatus(os.Stdout, status, len(args) == 1)
		}

		fmt.Printf("\nRefreshing every %s. Press Ctrl+C to exit.", interval)

		select {
		case <-sigCh:
			fmt.Println() // clean line after ^C
			return
		case <-ticker.C:
		}
	}
}

// clearScreen moves the cursor to the top-left and clears the terminal.
// Raw ANSI on purpose: watch mode needs it even with --no-color.
func clearScreen() {
	fmt.Print("\x1b[H\x1b[2J")
}

func onlyDevice(s *protocol.FullStatus, device string) (*protocol.FullStatus, error) {
	for _, d := range s.Devices {
		if d.Device == device {
			c := *s
			c.Devices = []protocol.DeviceStatus{d}
			return &c, nil
		}
	}
	return nil, fmt.Errorf("unknown device: %q", device)
}

// Column widths for the device table in printStatus.
const (
	colDevice = 14
	colFamily = 9
	colState  = 20
	colAge    = 6
	// 2 indent + colDevice + 1 + colFamily + 1 + colState + 2 + colAge + 2.
	deviceRowPrefix = 2 + colDevice + 1 + colFamily + 1 + colState + 2 + colAge + 2
)

func printStatus(w io.Writer, s *protocol.FullStatus, detail bool) {
	booting := term.Greenf("%d/%d booting", s.Running, s.Concurrency)
	if s.Running == 0 {
		booting = term.Dimf("%d/%d booting", s.Running, s.Concurrency)
	}
	fmt.Fprintf(w, "%s %s", term.Bold("Lab:"), booting)
	if s.Mode != "" && s.Mode != "active" {
		fmt.Fprintf(w, "  %s", term.Yellowf("[%s]", s.Mode))
	}
	if s.Lab != "" {
		fmt.Fprintf(w, "  %s", term.Dimf("(%s)", s.Lab))
	}
	fmt.Fprintln(w)

	if len(s.Devices) == 0 {
		fmt.Fprintf(w, "  %s\n", term.Dim("no device profiles loaded"))
	} else {
		fmt.Fprintln(w)
	}

	summaryMax := term.Width(100) - deviceRowPrefix
	if summaryMax < 20 {
		summaryMax = 20
	}

	for _, d := range s.Devices {
		state := d.State
		if state == "" {
			state = "idle"
		}
		age := ""
		summary := ""
		if d.Busy {
			state = "» " + state
		} else if d.Last != nil {
			age = formatAge(d.Last.FinishedAt)
			summary = attemptSummary(d.Last)
		}
		if !detail {
			summary = truncate(summary, summaryMax)
		}

		fmt.Fprintf(w, "  %s %s %s  %s  %s\n",
			term.PadRight(d.Device, colDevice, term.Cyan),
			term.PadRight(d.Family, colFamily, term.Magenta),
			term.PadRight(state, colState, term.StateColor(d.State)),
			term.PadLeft(age, colAge, term.Dim),
			term.Dim(summary),
		)
		if detail && d.Last != nil {
			fmt.Fprintf(w, "\n  %s %s\n", term.Bold("last attempt:"), term.Blue(string(d.Last.ID)))
			fmt.Fprintf(w, "  %s %s\n", term.Bold("status:"), term.StateColor(d.Last.Status)(d.Last.Status))
			if d.Last.Stage != "" {
				fmt.Fprintf(w, "  %s %s\n", term.Bold("stage:"), d.Last.Stage)
			}
			if d.Last.Error != "" {
				fmt.Fprintf(w, "  %s %s\n", term.Bold("error:"), d.Last.Error)
			}
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", term.Bold("Warnings:"), term.Redf("%d", len(s.Errors)))
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s %s\n", term.Red("!"), e)
		}
	}
}

// attemptSummary is the one-line outcome shown next to an idle device.
func attemptSummary(st *protocol.AttemptStatus) string {
	switch {
	case st.Status == "booted" && st.HardReset:
		return "booted after hard reset"
	case st.Status == "booted":
		return "booted"
	case st.Stage != "":
		return st.Status + " at " + st.Stage
	default:
		return st.Status
	}
}

// formatAge returns a compact duration since t.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// truncate shortens s to max runes, appending an ellipsis if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("json", false, "output raw JSON")
	statusCmd.Flags().BoolP("watch", "w", false, "refresh continuously")
	statusCmd.Flags().Duration("interval", 2*time.Second, "refresh interval for --watch")
}
