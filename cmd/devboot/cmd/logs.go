package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/daemon"
	"github.com/baiirun/devboot/internal/sink"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <device>",
	Short: "Tail a device's console transcript",
	Long: `Show the console transcript of a device.

The daemon returns the transcript path and the CLI reads it directly.
When the daemon is not running, the path is derived from the log
directory in the config file (or --log-dir).

By default shows the last 20 records in human-readable format: console
output as-is, sent lines prefixed with '>', boot events highlighted.
Use --raw for raw JSONL, -n to change the initial count, and -f to
follow new output as it's written.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")
		raw, _ := cmd.Flags().GetBool("raw")

		path, err := transcriptPath(cmd, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		if err := tailFile(os.Stdout, path, lines, follow, !raw); err != nil {
			fmt.Fprintf(os.Stderr, "error tailing transcript: %v\n", err)
			os.Exit(1)
		}
	},
}

// transcriptPath asks the daemon for the device's transcript, falling back
// to the configured log directory when the daemon is down.
func transcriptPath(cmd *cobra.Command, device string) (string, error) {
	c := client.New(resolveSocketPath(cmd))
	path, err := c.LogsPath(device)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, client.ErrDaemonNotRunning) {
		return "", err
	}

	var cfg daemon.Config
	cfg.LogDir, _ = cmd.Flags().GetString("log-dir")
	if err := loadConfig(cmd, &cfg); err != nil {
		return "", err
	}
	cfg.ApplyDefaults()
	return sink.TranscriptPath(cfg.LogDir, device), nil
}

const defaultTailLines = 20

// tailFile prints the last n lines of a file, optionally following new output.
// When pretty is true, lines are formatted as human-readable output.
func tailFile(w io.Writer, path string, n int, follow, pretty bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	// Transcripts only grow by appending; a full read is fine for tails.
	lines, err := readAllLines(f)
	if err != nil {
		return err
	}

	start := 0
	if n > 0 && n < len(lines) {
		start = len(lines) - n
	}
	for _, line := range lines[start:] {
		printLine(w, line, pretty)
	}

	if !follow {
		return nil
	}
	return followFile(w, f, pretty)
}

// printLine outputs a single transcript line, either raw or formatted.
func printLine(w io.Writer, line string, pretty bool) {
	if !pretty {
		fmt.Fprintln(w, line)
		return
	}
	if formatted := sink.FormatLine([]byte(line)); formatted != "" {
		fmt.Fprintln(w, formatted)
	}
}

// readAllLines reads all lines from the current position in the reader.
func readAllLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	// A single console read is at most a few KiB, but base64 raw records
	// grow by a third.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return lines, nil
}

const followPollInterval = 200 * time.Millisecond

// followFile polls a file for new lines and prints them until interrupted.
// The file must already be positioned after the initial tail.
func followFile(w io.Writer, f *os.File, pretty bool) error {
	fmt.Fprintf(os.Stderr, "following %s (ctrl-c to stop)\n", f.Name())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	var partial string
	for {
		for {
			chunk, err := reader.ReadString('\n')
			if err == nil {
				printLine(w, partial+chunk[:len(chunk)-1], pretty)
				partial = ""
				continue
			}
			// A record being appended right now; keep it until its newline.
			partial += chunk
			if err != io.EOF {
				return fmt.Errorf("reading transcript during follow: %w", err)
			}
			break
		}

		select {
		case <-sigCh:
			fmt.Fprintln(w) // clean line after ^C
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolP("follow", "f", false, "Follow new output as it's written")
	logsCmd.Flags().IntP("lines", "n", defaultTailLines, "Number of initial records to show")
	logsCmd.Flags().Bool("raw", false, "Output raw JSONL instead of formatted text")
	logsCmd.Flags().String("log-dir", "", "transcript directory when the daemon is not running")
}
