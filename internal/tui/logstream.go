package tui

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/sink"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// logStreamMsg carries newly read transcript lines.
type logStreamMsg struct {
	lines    []string
	newCount int // updated raw line count for next read
	err      error
}

// logPathMsg carries the transcript path fetched from the daemon.
type logPathMsg struct {
	path string
	err  error
}

func fetchLogPathCmd(c *client.Client, device string) tea.Cmd {
	return func() tea.Msg {
		path, err := c.LogsPath(device)
		return logPathMsg{path: path, err: err}
	}
}

// LogStreamModel is the full-screen console transcript viewer.
// It reads the device's transcript file directly, formats each record with
// sink.FormatLine, and renders in a scrollable viewport.
// New lines are polled on each tick from the parent.
type LogStreamModel struct {
	device  string
	path    string // transcript path (empty until fetched)
	pathErr error

	vp         viewport.Model
	lines      []string // formatted lines
	lineCount  int      // total raw lines read so far (for incremental reads)
	autoScroll bool     // scroll to bottom on new content

	ready  bool
	width  int
	height int
}

const (
	logHeaderRows = 3 // header bar + blank line
	logFooterRows = 2 // blank line + help text
)

// NewLogStreamModel creates a new transcript viewer for the given device.
func NewLogStreamModel(device string, width, height int) LogStreamModel {
	m := LogStreamModel{
		device:     device,
		width:      width,
		height:     height,
		autoScroll: true,
	}
	if width > 0 && height > 0 {
		m.initViewport()
	}
	return m
}

func (m *LogStreamModel) initViewport() {
	vpH := max(4, m.height-logHeaderRows-logFooterRows)
	m.vp = viewport.New(max(20, m.width-2), vpH) // -2 for left margin
	m.vp.SetContent(dimStyle.Render("Loading transcript..."))
	m.ready = true
}

// Update handles messages for the transcript screen.
func (m LogStreamModel) Update(msg tea.Msg) (LogStreamModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.initViewport()
		m.refreshContent()

	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			// Jump to bottom and re-enable auto-scroll.
			m.autoScroll = true
			if m.ready {
				m.vp.GotoBottom()
			}
			return m, nil
		case "g":
			m.autoScroll = false
			if m.ready {
				m.vp.GotoTop()
			}
			return m, nil
		case "up", "k", "pgup", "ctrl+u":
			m.autoScroll = false
		}

	case logPathMsg:
		if msg.err != nil {
			m.pathErr = msg.err
			if m.ready {
				m.vp.SetContent(redStyle.Render(fmt.Sprintf("Error: %v", msg.err)))
			}
			return m, nil
		}
		m.path = msg.path
		return m, m.readNewLinesCmd()

	case logStreamMsg:
		if msg.err != nil {
			// The transcript appears with the first boot; keep polling.
			return m, nil
		}
		m.lineCount = msg.newCount
		if len(msg.lines) > 0 {
			m.lines = append(m.lines, msg.lines...)
			m.refreshContent()
		}
		return m, nil
	}

	// Forward to viewport for scroll handling.
	if m.ready {
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd
	}

	return m, nil
}

// refreshContent updates the viewport content from the accumulated lines.
func (m *LogStreamModel) refreshContent() {
	if !m.ready {
		return
	}
	if m.pathErr != nil {
		m.vp.SetContent(redStyle.Render(fmt.Sprintf("Error: %v", m.pathErr)))
		return
	}
	if len(m.lines) == 0 {
		m.vp.SetContent(dimStyle.Render("No console output yet..."))
		return
	}
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.vp.GotoBottom()
	}
}

// readNewLinesCmd returns a Cmd that reads lines appended since the last read.
func (m LogStreamModel) readNewLinesCmd() tea.Cmd {
	path := m.path
	offset := m.lineCount
	return func() tea.Msg {
		result, err := readLogLines(path, offset)
		if err != nil {
			return logStreamMsg{err: err}
		}
		return logStreamMsg{lines: result.lines, newCount: result.newCount}
	}
}

// logReadResult holds formatted lines and the new total raw line count.
type logReadResult struct {
	lines    []string
	newCount int
}

// readLogLines reads a transcript from the given line offset and formats
// each record. The returned count lets the next read skip seen lines.
func readLogLines(path string, offset int) (*logReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var formatted []string
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= offset {
			continue
		}
		if out := sink.FormatLine(scanner.Bytes()); out != "" {
			// Console chunks can span several lines.
			formatted = append(formatted, strings.Split(out, "\n")...)
		}
	}
	return &logReadResult{lines: formatted, newCount: lineNum}, scanner.Err()
}

// View renders the full-screen transcript.
func (m LogStreamModel) View() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")

	if !m.ready {
		b.WriteString("  " + dimStyle.Render("Loading...") + "\n")
	} else {
		b.WriteString("  ")
		b.WriteString(m.vp.View())
		b.WriteString("\n")
	}

	b.WriteString(m.viewFooter())
	return b.String()
}

func (m LogStreamModel) viewHeader() string {
	return fmt.Sprintf("\n  %s  %s  %s\n",
		titleStyle.Render("devboot"),
		paneHeaderStyle.Render("Console"),
		cyanStyle.Render(m.device),
	)
}

func (m LogStreamModel) viewFooter() string {
	scrollLabel := ""
	if m.ready {
		pct := m.vp.ScrollPercent() * 100
		scrollLabel = dimStyle.Render(fmt.Sprintf("  %.0f%%", pct))
	}
	autoLabel := ""
	if m.autoScroll {
		autoLabel = "  " + greenStyle.Render("[follow]")
	}
	return fmt.Sprintf("  %s%s%s\n",
		dimStyle.Render("j/k scroll  g top  G bottom+follow  q back"),
		scrollLabel,
		autoLabel,
	)
}
