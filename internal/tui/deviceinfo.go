package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/baiirun/devboot/internal/protocol"
	"github.com/charmbracelet/glamour"
)

// renderMarkdown renders a markdown string using glamour, falling back
// to plain word-wrapped text if glamour fails.
func renderMarkdown(md string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return wrapText(md, width)
	}
	out, err := r.Render(md)
	if err != nil {
		return wrapText(md, width)
	}
	return strings.TrimRight(out, "\n")
}

// renderDeviceInfo formats a device's profile and last attempt for the
// panel viewport.
func renderDeviceInfo(d protocol.DeviceStatus, p *protocol.ProfileInfo, width int) string {
	var b strings.Builder

	b.WriteString(dimStyle.Render("── Profile ──"))
	b.WriteString("\n")
	if p == nil {
		b.WriteString(dimStyle.Render("Loading profile..."))
		b.WriteString("\n")
	} else {
		if p.DeviceType != "" {
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Type:"), p.DeviceType)
		}
		fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Console:"), p.SpawnCommand)
		fmt.Fprintf(&b, "%s\n", dimStyle.Render("Boot commands:"))
		for i, c := range p.BootCommands {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render(fmt.Sprintf("%d.", i+1)), cyanStyle.Render(c))
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("── Last attempt ──"))
	b.WriteString("\n")
	if d.Last == nil {
		b.WriteString(dimStyle.Render("No attempts recorded"))
		b.WriteString("\n")
	} else {
		last := d.Last
		fmt.Fprintf(&b, "%s %s  %s %s\n",
			dimStyle.Render("ID:"), blueStyle.Render(string(last.ID)),
			dimStyle.Render("Status:"), stateStyle(last.Status).Render(last.Status),
		)
		if last.Stage != "" {
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Stage:"), last.Stage)
		}
		if last.HardReset {
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Reset:"), yellowStyle.Render("hard reset used"))
		}
		if !last.StartedAt.IsZero() {
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Started:"), last.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if !last.FinishedAt.IsZero() {
			fmt.Fprintf(&b, "%s %s (%s)\n",
				dimStyle.Render("Finished:"),
				last.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				last.FinishedAt.Sub(last.StartedAt).Round(100*time.Millisecond),
			)
		}
		if last.Error != "" {
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Error:"), redStyle.Render(wrapText(last.Error, width-7)))
		}
	}

	if p != nil && p.Notes != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("── Notes ──"))
		b.WriteString("\n")
		b.WriteString(renderMarkdown(p.Notes, width))
		b.WriteString("\n")
	}

	return b.String()
}

// wrapText does simple word wrapping at the given width.
// Preserves existing newlines. Used as fallback when glamour fails.
func wrapText(s string, width int) string {
	if width <= 0 {
		return s
	}

	var result strings.Builder
	for _, paragraph := range strings.Split(s, "\n") {
		if result.Len() > 0 {
			result.WriteString("\n")
		}

		if len([]rune(paragraph)) <= width {
			result.WriteString(paragraph)
			continue
		}

		words := strings.Fields(paragraph)
		lineLen := 0
		for i, word := range words {
			wordLen := len([]rune(word))
			if i > 0 && lineLen+1+wordLen > width {
				result.WriteString("\n")
				lineLen = 0
			} else if i > 0 {
				result.WriteString(" ")
				lineLen++
			}
			result.WriteString(word)
			lineLen += wordLen
		}
	}

	return result.String()
}
