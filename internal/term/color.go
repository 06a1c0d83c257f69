// Package term provides terminal color output for the devboot CLI.
//
// Colors are disabled when:
//   - NO_COLOR env var is set (any value, per https://no-color.org/)
//   - Disable(true) has been called (for --no-color flag)
//   - stdout is not a terminal (piped/redirected)
package term

import (
	"fmt"
	"os"
	"strings"
	"sync"

	xterm "golang.org/x/term"
)

// SGR sequences.
const (
	reset   = "\x1b[0m"
	bold    = "\x1b[1m"
	dim     = "\x1b[2m"
	red     = "\x1b[31m"
	green   = "\x1b[32m"
	yellow  = "\x1b[33m"
	blue    = "\x1b[34m"
	magenta = "\x1b[35m"
	cyan    = "\x1b[36m"
)

var (
	mu       sync.Mutex
	disabled bool

	initOnce sync.Once
	noColor  bool
)

// Disable forces colors off. It cannot turn colors on when NO_COLOR is set
// or stdout is not a terminal.
func Disable(off bool) {
	mu.Lock()
	defer mu.Unlock()
	disabled = off
}

func enabled() bool {
	initOnce.Do(func() {
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
			return
		}
		if !isTerminal(os.Stdout) {
			noColor = true
		}
	})

	mu.Lock()
	defer mu.Unlock()
	return !disabled && !noColor
}

func isTerminal(f *os.File) bool {
	return xterm.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width in columns, or fallback if stdout is not
// a terminal.
func Width(fallback int) int {
	w, _, err := xterm.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

func wrap(code, s string) string {
	if !enabled() {
		return s
	}
	return code + s + reset
}

// Green returns s in green (booted devices, success).
func Green(s string) string { return wrap(green, s) }

// Red returns s in red (boot failures, errors).
func Red(s string) string { return wrap(red, s) }

// Yellow returns s in yellow (resets in progress, warnings).
func Yellow(s string) string { return wrap(yellow, s) }

// Dim returns s in dim (timestamps, idle devices).
func Dim(s string) string { return wrap(dim, s) }

// Bold returns s in bold (headers, labels).
func Bold(s string) string { return wrap(bold, s) }

// Cyan returns s in cyan (device names, console input).
func Cyan(s string) string { return wrap(cyan, s) }

// Blue returns s in blue (attempt IDs).
func Blue(s string) string { return wrap(blue, s) }

// Magenta returns s in magenta (device families).
func Magenta(s string) string { return wrap(magenta, s) }

// Greenf formats and returns the result in green.
func Greenf(format string, a ...any) string { return Green(fmt.Sprintf(format, a...)) }

// Redf formats and returns the result in red.
func Redf(format string, a ...any) string { return Red(fmt.Sprintf(format, a...)) }

// Yellowf formats and returns the result in yellow.
func Yellowf(format string, a ...any) string { return Yellow(fmt.Sprintf(format, a...)) }

// Dimf formats and returns the result in dim.
func Dimf(format string, a ...any) string { return Dim(fmt.Sprintf(format, a...)) }

// StateColor picks the color for a boot run-state or attempt status
// ("booted", "failed", "soft-resetting", ...). Unknown states are dim.
func StateColor(state string) func(string) string {
	switch {
	case state == "booted":
		return Green
	case state == "failed" || state == "aborted":
		return Red
	case state == "idle" || state == "":
		return Dim
	case strings.Contains(state, "reset"):
		return Yellow
	default:
		return Cyan
	}
}

// PadRight pads s with spaces to the given visible width, then wraps in color.
// fmt's %-Ns counts the invisible ANSI bytes, so colored columns use this.
func PadRight(s string, width int, color func(string) string) string {
	n := len([]rune(s))
	if n >= width {
		return color(s)
	}
	return color(s + strings.Repeat(" ", width-n))
}

// PadLeft pads s with leading spaces to the given visible width, then wraps in color.
func PadLeft(s string, width int, color func(string) string) string {
	n := len([]rune(s))
	if n >= width {
		return color(s)
	}
	return color(strings.Repeat(" ", width-n) + s)
}
