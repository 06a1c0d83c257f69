// Package tui implements the interactive lab dashboard. It shows every
// device the daemon knows about, lets the operator start and abort boots,
// and drills into a device's profile or live console transcript.
//
// The TUI talks to the daemon over the Unix socket RPC and polls for
// updates on a fixed interval.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/baiirun/devboot/internal/client"
	"github.com/baiirun/devboot/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pollInterval is the default interval between daemon status polls.
const pollInterval = 2 * time.Second

// Styles are defined at package level so they're allocated once, not on
// every View() call.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")) // bright blue

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	greenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	yellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	redStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	cyanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	blueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	magentaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	paneHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	paneBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// stateStyle colors a run state or attempt status.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "booted":
		return greenStyle
	case "failed":
		return redStyle
	case "aborted":
		return yellowStyle
	case "", "idle":
		return dimStyle
	default:
		return cyanStyle
	}
}

// Config holds the configuration needed to run the TUI.
type Config struct {
	// SocketPath is the Unix socket path for the daemon RPC.
	SocketPath string
}

type screen int

const (
	screenDashboard screen = iota
	screenPanel
	screenLogs
)

// statusMsg carries the result of a daemon status poll.
type statusMsg struct {
	status *protocol.FullStatus
	err    error
}

// profilesMsg carries the profile list, fetched once at startup.
type profilesMsg struct {
	profiles []protocol.ProfileInfo
	err      error
}

// actionMsg reports the outcome of an operator action (boot, abort, drain).
type actionMsg struct {
	text string
	err  error
}

// tickMsg triggers the next poll cycle.
type tickMsg time.Time

// Model is the top-level bubbletea model for the TUI.
type Model struct {
	config   Config
	client   *client.Client
	width    int
	height   int
	status   *protocol.FullStatus
	err      error
	selected int
	profiles map[string]protocol.ProfileInfo

	screen screen
	panel  PanelModel
	logs   LogStreamModel

	flash    string
	flashErr bool
}

// New creates a new TUI model with the given configuration.
func New(cfg Config) Model {
	return Model{
		config:   cfg,
		client:   client.New(cfg.SocketPath),
		profiles: make(map[string]protocol.ProfileInfo),
	}
}

// Init implements tea.Model. Kicks off the first status poll and tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(pollStatus(m.client), pollProfiles(m.client), tick())
}

// pollStatus fetches the full daemon status as a bubbletea Cmd.
func pollStatus(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		status, err := c.StatusFull()
		return statusMsg{status: status, err: err}
	}
}

func pollProfiles(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		profiles, err := c.Profiles()
		return profilesMsg{profiles: profiles, err: err}
	}
}

// tick returns a Cmd that fires a tickMsg after the poll interval.
func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func bootCmd(c *client.Client, device string) tea.Cmd {
	return func() tea.Msg {
		res, err := c.BootStart(device, nil)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: fmt.Sprintf("boot %s started for %s", res.ID.Short(), res.Device)}
	}
}

func abortCmd(c *client.Client, device string) tea.Cmd {
	return func() tea.Msg {
		res, err := c.BootAbort(device)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: fmt.Sprintf("aborting %s on %s", res.ID.Short(), res.Device)}
	}
}

// toggleDrainCmd drains an active pool and resumes a draining one.
func toggleDrainCmd(c *client.Client, mode string) tea.Cmd {
	return func() tea.Msg {
		change, verb := c.PoolDrain, "draining"
		if mode == "draining" {
			change, verb = c.PoolResume, "resumed"
		}
		res, err := change()
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: fmt.Sprintf("pool %s (%d booting)", verb, res.Running)}
	}
}

// selectedDevice returns the device row under the cursor.
func (m Model) selectedDevice() (protocol.DeviceStatus, bool) {
	if m.status == nil || m.selected >= len(m.status.Devices) {
		return protocol.DeviceStatus{}, false
	}
	return m.status.Devices[m.selected], true
}

// Update implements tea.Model. Handles key presses, window resize, and polls.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.screen {
		case screenPanel:
			return m.updatePanelKey(msg)
		case screenLogs:
			return m.updateLogsKey(msg)
		}
		return m.updateDashboardKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		var cmds []tea.Cmd
		var cmd tea.Cmd
		m.panel, cmd = m.panel.Update(msg)
		cmds = append(cmds, cmd)
		m.logs, cmd = m.logs.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.status = msg.status
		m.err = msg.err
		// Clamp selection if the device list shrank.
		if m.status != nil && m.selected >= len(m.status.Devices) {
			m.selected = max(0, len(m.status.Devices)-1)
		}
		if m.screen == screenPanel && m.status != nil {
			for _, d := range m.status.Devices {
				if d.Device == m.panel.device.Device {
					m.panel = m.panel.SetDevice(d)
				}
			}
		}

	case profilesMsg:
		if msg.err == nil {
			for _, p := range msg.profiles {
				m.profiles[p.Name] = p
			}
		}

	case actionMsg:
		m.flashErr = msg.err != nil
		m.flash = msg.text
		if msg.err != nil {
			m.flash = msg.err.Error()
		}
		return m, pollStatus(m.client)

	case tickMsg:
		cmds := []tea.Cmd{pollStatus(m.client), tick()}
		if m.screen == screenLogs && m.logs.path != "" {
			cmds = append(cmds, m.logs.readNewLinesCmd())
		}
		return m, tea.Batch(cmds...)

	case logPathMsg, logStreamMsg:
		var cmd tea.Cmd
		m.logs, cmd = m.logs.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) updateDashboardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "j", "down":
		if m.status != nil && len(m.status.Devices) > 0 {
			m.selected = min(m.selected+1, len(m.status.Devices)-1)
		}
	case "k", "up":
		if m.selected > 0 {
			m.selected--
		}
	case "enter":
		if d, ok := m.selectedDevice(); ok {
			m.panel = NewPanelModel(d, m.profile(d.Device), m.width, m.height)
			m.screen = screenPanel
		}
	case "l":
		if d, ok := m.selectedDevice(); ok {
			return m.openLogs(d.Device)
		}
	case "b":
		if d, ok := m.selectedDevice(); ok {
			return m, bootCmd(m.client, d.Device)
		}
	case "a":
		if d, ok := m.selectedDevice(); ok {
			return m, abortCmd(m.client, d.Device)
		}
	case "d":
		if m.status != nil {
			return m, toggleDrainCmd(m.client, m.status.Mode)
		}
	}
	return m, nil
}

func (m Model) updatePanelKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		m.screen = screenDashboard
		return m, nil
	case "l":
		return m.openLogs(m.panel.device.Device)
	}
	var cmd tea.Cmd
	m.panel, cmd = m.panel.Update(msg)
	return m, cmd
}

func (m Model) updateLogsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "q" || msg.String() == "esc" {
		m.screen = screenDashboard
		return m, nil
	}
	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func (m Model) openLogs(device string) (tea.Model, tea.Cmd) {
	m.logs = NewLogStreamModel(device, m.width, m.height)
	m.screen = screenLogs
	return m, fetchLogPathCmd(m.client, device)
}

func (m Model) profile(device string) *protocol.ProfileInfo {
	p, ok := m.profiles[device]
	if !ok {
		return nil
	}
	return &p
}

// View implements tea.Model.
func (m Model) View() string {
	switch m.screen {
	case screenPanel:
		return m.panel.View()
	case screenLogs:
		return m.logs.View()
	}

	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")
	b.WriteString(m.viewDevices())
	b.WriteString(m.viewFooter())
	return b.String()
}

// viewHeader renders the top bar with boot slots, mode, and lab.
func (m Model) viewHeader() string {
	if m.err != nil {
		return fmt.Sprintf("\n  %s  %s  %s\n",
			titleStyle.Render("devboot"),
			redStyle.Render("disconnected"),
			dimStyle.Render(m.err.Error()),
		)
	}

	if m.status == nil {
		return fmt.Sprintf("\n  %s  %s\n",
			titleStyle.Render("devboot"),
			dimStyle.Render("connecting..."),
		)
	}

	s := m.status
	util := dimStyle.Render(fmt.Sprintf("%d/%d booting", s.Running, s.Concurrency))
	if s.Running > 0 {
		util = greenStyle.Render(fmt.Sprintf("%d/%d booting", s.Running, s.Concurrency))
	}

	mode := ""
	if s.Mode == "draining" {
		mode = "  " + yellowStyle.Render("[draining]")
	}

	lab := ""
	if s.Lab != "" {
		lab = "  " + dimStyle.Render("("+s.Lab+")")
	}

	return fmt.Sprintf("\n  %s  %s%s%s\n",
		titleStyle.Render("devboot"),
		util, mode, lab,
	)
}

// Column widths for the device table.
const (
	colDevice = 16
	colFamily = 9
	colState  = 22
	colAge    = 8
)

// viewDevices renders one row per device inside a bordered pane.
func (m Model) viewDevices() string {
	if m.status == nil || m.err != nil {
		return ""
	}
	if len(m.status.Devices) == 0 {
		return "  " + dimStyle.Render("No device profiles loaded") + "\n\n"
	}

	w := m.width
	if w == 0 {
		w = 80
	}
	// Border and padding take 4 columns; the cursor takes 2.
	innerWidth := max(40, w-6)
	summaryMax := max(10, innerWidth-2-colDevice-1-colFamily-1-colState-1-colAge-1)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %s %s %s %s %s",
		dimStyle.Render(padRight("DEVICE", colDevice)),
		dimStyle.Render(padRight("FAMILY", colFamily)),
		dimStyle.Render(padRight("STATE", colState)),
		dimStyle.Render(padLeft("LAST", colAge)),
		dimStyle.Render("RESULT"),
	))

	for i, d := range m.status.Devices {
		state := d.State
		if state == "" {
			state = "idle"
		}
		age, summary := "", ""
		if d.Busy {
			state = "» " + state
		} else if d.Last != nil {
			age = formatRelativeTime(d.Last.FinishedAt)
			summary = attemptSummary(d.Last)
		}

		cursor, name := "  ", cyanStyle.Render(padRight(d.Device, colDevice))
		if i == m.selected {
			cursor = selectedStyle.Render("▸ ")
			name = selectedStyle.Render(padRight(d.Device, colDevice))
		}

		b.WriteString(fmt.Sprintf("\n%s%s %s %s %s %s",
			cursor,
			name,
			magentaStyle.Render(padRight(d.Family, colFamily)),
			stateStyle(d.State).Render(padRight(state, colState)),
			dimStyle.Render(padLeft(age, colAge)),
			stateStyle(lastStatus(d)).Render(truncate(summary, summaryMax)),
		))
	}

	content := b.String()
	if len(m.status.Errors) > 0 {
		content += "\n"
		for _, e := range m.status.Errors {
			content += "\n" + redStyle.Render("! "+truncate(e, innerWidth-2))
		}
	}
	return paneBorder.Width(innerWidth+2).Render(content) + "\n"
}

func lastStatus(d protocol.DeviceStatus) string {
	if d.Last == nil {
		return ""
	}
	return d.Last.Status
}

// viewFooter renders the flash message and the bottom help line.
func (m Model) viewFooter() string {
	var b strings.Builder
	if m.flash != "" {
		style := greenStyle
		if m.flashErr {
			style = redStyle
		}
		b.WriteString("  " + style.Render(m.flash) + "\n")
	}
	b.WriteString("  " + dimStyle.Render("j/k navigate  enter details  l transcript  b boot  a abort  d drain/resume  q quit") + "\n")
	return b.String()
}

// attemptSummary is the one-line outcome shown next to an idle device.
func attemptSummary(st *protocol.AttemptStatus) string {
	switch {
	case st.Status == "booted" && st.HardReset:
		return "booted after hard reset"
	case st.Status == "booted":
		return "booted"
	case st.Stage != "" && st.Error != "":
		return st.Status + " at " + st.Stage + ": " + st.Error
	case st.Stage != "":
		return st.Status + " at " + st.Stage
	default:
		return st.Status
	}
}

// formatRelativeTime returns a human-readable relative time string.
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	d := time.Since(t)
	if d < 0 {
		return "now"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

// truncate shortens s to max runes, appending an ellipsis if truncated.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// padRight pads s with spaces to width. If s is longer, it's truncated.
func padRight(s string, width int) string {
	runes := []rune(s)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return s + strings.Repeat(" ", width-len(runes))
}

// padLeft pads s with leading spaces to width. If s is longer, it's truncated.
func padLeft(s string, width int) string {
	runes := []rune(s)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return strings.Repeat(" ", width-len(runes)) + s
}

// Run starts the TUI program with alternate screen buffer.
func Run(cfg Config) error {
	m := New(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
