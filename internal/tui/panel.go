package tui

import (
	"fmt"
	"strings"

	"github.com/baiirun/devboot/internal/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// PanelModel holds the state for the device detail screen.
type PanelModel struct {
	device   protocol.DeviceStatus
	profile  *protocol.ProfileInfo
	viewport viewport.Model
	ready    bool // true once we've received a WindowSizeMsg and can init the viewport
	width    int
	height   int
}

// NewPanelModel creates a new panel for the given device. profile may be nil
// when the profile list has not arrived yet.
func NewPanelModel(device protocol.DeviceStatus, profile *protocol.ProfileInfo, width, height int) PanelModel {
	m := PanelModel{
		device:  device,
		profile: profile,
		width:   width,
		height:  height,
	}

	// Initialize viewport if we already have dimensions.
	if width > 0 && height > 0 {
		m.initViewport()
	}

	return m
}

// initViewport sets up the viewport with current dimensions.
// Reserves space for the panel header (3 lines) and footer (2 lines).
func (m *PanelModel) initViewport() {
	headerHeight := 3
	footerHeight := 2

	vpWidth := max(20, m.width-4)
	vpHeight := max(5, m.height-headerHeight-footerHeight)

	m.viewport = viewport.New(vpWidth, vpHeight)
	m.viewport.SetContent(m.renderContent())
	m.ready = true
}

func (m *PanelModel) renderContent() string {
	contentWidth := max(20, m.width-6)
	return renderDeviceInfo(m.device, m.profile, contentWidth)
}

// SetDevice refreshes the panel with a newer status row for the same device.
// The scroll position is kept.
func (m PanelModel) SetDevice(d protocol.DeviceStatus) PanelModel {
	m.device = d
	if m.ready {
		m.viewport.SetContent(m.renderContent())
	}
	return m
}

// Update handles messages for the panel screen.
func (m PanelModel) Update(msg tea.Msg) (PanelModel, tea.Cmd) {
	if msg, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = msg.Width
		m.height = msg.Height
		m.initViewport()
	}

	// Forward remaining messages to viewport for scroll handling.
	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the device panel.
func (m PanelModel) View() string {
	var b strings.Builder

	b.WriteString(m.viewPanelHeader())
	b.WriteString("\n")

	if !m.ready {
		b.WriteString("  " + dimStyle.Render("Loading...") + "\n")
	} else {
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
	}

	b.WriteString(m.viewPanelFooter())

	return b.String()
}

func (m PanelModel) viewPanelHeader() string {
	state := m.device.State
	if state == "" {
		state = "idle"
	}
	return fmt.Sprintf("\n  %s  %s  %s  %s\n",
		titleStyle.Render("devboot"),
		paneHeaderStyle.Render(m.device.Device),
		magentaStyle.Render(m.device.Family),
		stateStyle(m.device.State).Render(state),
	)
}

func (m PanelModel) viewPanelFooter() string {
	scroll := ""
	if m.ready {
		pct := m.viewport.ScrollPercent() * 100
		scroll = dimStyle.Render(fmt.Sprintf("  %.0f%%", pct))
	}

	return fmt.Sprintf("  %s%s\n",
		dimStyle.Render("j/k scroll  l transcript  q back"),
		scroll,
	)
}
