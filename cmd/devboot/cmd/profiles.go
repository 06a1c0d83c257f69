package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/daemon"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/term"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List or validate device profiles",
	Long:  `List the device profiles loaded by the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		c := client.New(resolveSocketPath(cmd))
		list, err := c.Profiles()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(list)
			return
		}
		printProfiles(list)
	},
}

var profilesValidateCmd = &cobra.Command{
	Use:   "validate [file-or-dir...]",
	Short: "Check profile files without a daemon",
	Long: `Parse and validate device profiles.

Arguments may be profile files or directories of profiles. With no
arguments the profile directory from the config file is checked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			var cfg daemon.Config
			if err := loadConfig(cmd, &cfg); err != nil {
				Fatal("%v", err)
			}
			cfg.ApplyDefaults()
			args = []string{cfg.ProfileDir}
		}

		var (
			list   []protocol.ProfileInfo
			failed bool
		)
		for _, arg := range args {
			profiles, err := loadProfiles(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", term.Red("✗"), err)
				failed = true
				continue
			}
			for _, p := range profiles {
				list = append(list, profileInfo(p))
			}
		}
		printProfiles(list)
		if failed {
			os.Exit(1)
		}
	},
}

func loadProfiles(path string) ([]profile.Profile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return profile.LoadDir(path)
	}
	p, err := profile.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []profile.Profile{p}, nil
}

func profileInfo(p profile.Profile) protocol.ProfileInfo {
	return protocol.ProfileInfo{
		Name:         p.Name,
		DeviceType:   p.DeviceType,
		Family:       string(p.Family),
		SpawnCommand: p.SpawnCommand,
		BootCommands: p.BootCommands,
		Notes:        p.Notes,
	}
}

func printProfiles(list []protocol.ProfileInfo) {
	if len(list) == 0 {
		fmt.Println(term.Dim("no profiles"))
		return
	}
	for _, p := range list {
		fmt.Printf("  %s %s %s\n",
			term.PadRight(p.Name, colDevice, term.Cyan),
			term.PadRight(p.Family, colFamily, term.Magenta),
			term.Dim(p.SpawnCommand),
		)
		fmt.Printf("  %s %s\n", strings.Repeat(" ", colDevice), strings.Join(p.BootCommands, term.Dim(" ; ")))
	}
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Control whether the daemon accepts new boots",
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop accepting new boot attempts, let running ones finish",
	Long: `Transition the daemon to draining mode.

boot requests are rejected, but attempts already running continue until
they finish. Use 'devboot pool resume' to accept boots again.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(resolveSocketPath(cmd))
		result, err := c.PoolDrain()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printPoolModeResult(result)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Accept new boot attempts again",
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(resolveSocketPath(cmd))
		result, err := c.PoolResume()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printPoolModeResult(result)
	},
}

func printPoolModeResult(r *protocol.PoolModeResult) {
	mode := term.Green(r.Mode)
	if r.Mode != "active" {
		mode = term.Yellow(r.Mode)
	}
	fmt.Printf("pool %s (%d booting)\n", mode, r.Running)
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesValidateCmd)
	profilesCmd.Flags().Bool("json", false, "output raw JSON")

	rootCmd.AddCommand(poolCmd)
	poolCmd.AddCommand(drainCmd)
	poolCmd.AddCommand(resumeCmd)
}
