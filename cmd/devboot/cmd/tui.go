package cmd

import (
	"fmt"
	"os"

	"github.com/baiirun/devboot/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch interactive lab dashboard",
	Long: `Launch a full-screen terminal dashboard for the lab daemon.

The dashboard lists every device with its run state and last result.

Navigation:
  j/k    Navigate / scroll
  Enter  Device details (profile, last attempt, notes)
  l      Console transcript of the selected device
  b      Boot the selected device
  a      Abort the selected device's attempt
  d      Drain / resume the pool
  q      Back / quit

Requires a running daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := tui.Config{
			SocketPath: resolveSocketPath(cmd),
		}

		if err := tui.Run(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
